package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(StoredTotal.WithLabelValues("Patient", "created"))
	StoredTotal.WithLabelValues("Patient", "created").Add(2)
	assert.Equal(t, before+2, testutil.ToFloat64(StoredTotal.WithLabelValues("Patient", "created")))

	ObserveSince("search", "Patient", time.Now().Add(-time.Millisecond))
	assert.Equal(t, 1, testutil.CollectAndCount(OperationDuration, "fhirstore_operation_duration_seconds"))
}
