// Package maintenance runs the periodic housekeeping of the store: expiry of
// server-resident paging states and, when enabled, retention of records not
// stored again within the retention window.
package maintenance

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ansforge/annuaire-sante-fhir-serveur-sub000/internal/model"
)

// CursorCleaner expires server-resident paging states.
type CursorCleaner interface {
	Expire(ctx context.Context) (int64, error)
}

// Retainer removes records whose last write precedes a watermark.
type Retainer interface {
	DeleteElementsNotStoredSince(ctx context.Context, watermark time.Time) (map[string]int64, error)
}

// Config controls the cadence and the retention policy.
type Config struct {
	Interval         time.Duration // tick interval
	RetentionEnabled bool
	RetentionWindow  time.Duration // records older than now-window are stale
}

// Worker runs cursor cleanup and retention on every tick.
type Worker struct {
	cursors  CursorCleaner
	retainer Retainer
	cfg      Config
	now      func() time.Time
	log      zerolog.Logger
}

// NewWorker constructs a Worker from dependencies.
func NewWorker(cursors CursorCleaner, retainer Retainer, cfg Config, log zerolog.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 30 * 24 * time.Hour
	}
	return &Worker{
		cursors:  cursors,
		retainer: retainer,
		cfg:      cfg,
		now:      time.Now,
		log:      log.With().Str("component", "maintenance").Logger(),
	}
}

// Run starts the loop until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().
		Dur("interval", w.cfg.Interval).
		Bool("retention", w.cfg.RetentionEnabled).
		Dur("retention_window", w.cfg.RetentionWindow).
		Msg("maintenance worker starting")
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("maintenance worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := w.ProcessOnce(ctx); err != nil {
				// the next tick retries
				w.log.Error().Err(err).Msg("maintenance cycle")
			}
		}
	}
}

// ProcessOnce runs a single maintenance cycle.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	removed, err := w.cursors.Expire(ctx)
	if err != nil {
		return err
	}
	w.log.Debug().Int64("cursors_removed", removed).Msg("cursor cleanup done")

	if !w.cfg.RetentionEnabled || w.retainer == nil {
		return nil
	}
	watermark := w.now().Add(-w.cfg.RetentionWindow)
	deleted, err := w.retainer.DeleteElementsNotStoredSince(ctx, watermark)
	switch {
	case model.IsTooManyElementsToDeleteError(err):
		// refused types need an operator; later cycles keep refusing until then
		w.log.Warn().Err(err).Time("watermark", watermark).Msg("retention refused for some resource types")
	case err != nil:
		return err
	}
	var total int64
	for _, n := range deleted {
		total += n
	}
	w.log.Info().Int64("deleted", total).Time("watermark", watermark).Msg("retention done")
	return nil
}
