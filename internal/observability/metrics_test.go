package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordFetch("Reddit", 3, nil)
		m.RecordMatch("exact")
		m.RecordPersisted("Reddit", "high")
		m.RecordDuplicate("Reddit", "seen")
		m.RecordPersistFailure("matched_threats")
		m.RecordClassifierCall("keyword", "ok")
		m.RecordClassifierCacheHit("openai")
		m.ObserveRun("complete", time.Second)
		m.RecordPrediction("viral_amplification")
		m.SetHealth("queue_backlog", true)
		m.RecordRequest("GET", "/health", "200", time.Millisecond)
	})
}

func TestMetrics_Recording(t *testing.T) {
	m := DefaultMetrics()
	assert.Same(t, m, DefaultMetrics())

	before := testutil.ToFloat64(m.ItemsFetched.WithLabelValues("test-platform"))
	m.RecordFetch("test-platform", 4, nil)
	assert.Equal(t, before+4, testutil.ToFloat64(m.ItemsFetched.WithLabelValues("test-platform")))

	failures := testutil.ToFloat64(m.FetchFailures.WithLabelValues("test-platform"))
	m.RecordFetch("test-platform", 0, errors.New("timeout"))
	assert.Equal(t, failures+1, testutil.ToFloat64(m.FetchFailures.WithLabelValues("test-platform")))

	m.SetHealth("test_check", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("test_check")))
	m.SetHealth("test_check", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("test_check")))
}

func TestNewNop(t *testing.T) {
	tel := NewNop()
	assert.NotNil(t, tel.Logger())
	assert.Nil(t, tel.Metrics())
	assert.NoError(t, tel.Shutdown(t.Context()))
}
