package events

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCountsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.Publish(EventTaskCreated, nil)
	m.Publish(EventTaskCreated, nil)
	m.Publish(EventDuplicateTaskPrevented, nil)
	m.Publish(EventRecoveryCompleted, map[string]interface{}{
		"durationSeconds": 0.25,
		"failureType":     "NODE_CRASH",
		"status":          "COMPLETED",
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventCount(EventTaskCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventCount(EventDuplicateTaskPrevented)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.EventCount(EventLeaseExpired)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.recoveries))
}

func TestMetricsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}
