package joinindex

import "sync/atomic"

// JobState guards a single-flight job.
type JobState interface {
	// TryStart moves the job from idle to running and reports whether this
	// caller won the transition.
	TryStart() bool
	IsRunning() bool
	Done()
}

// Flag is an atomic JobState.
type Flag struct {
	running atomic.Bool
}

func (f *Flag) TryStart() bool  { return f.running.CompareAndSwap(false, true) }
func (f *Flag) IsRunning() bool { return f.running.Load() }
func (f *Flag) Done()           { f.running.Store(false) }

var processState = &Flag{}

// ProcessState is the process-wide refresh state.
func ProcessState() JobState { return processState }
