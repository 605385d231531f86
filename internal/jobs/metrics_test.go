package jobmetrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTrackerCountsOutcomes(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	require.NoError(t, m.Track("expire").End(nil))
	boom := errors.New("boom")
	require.ErrorIs(t, m.Track("expire").End(boom), boom)

	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("expire", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("expire", "failure")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("expire")))
}

func TestCountersIgnoreNonPositive(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.AddExpiredRequests(0)
	m.AddExpiredRequests(3)
	m.AddNotifications("request", -1)
	m.AddNotifications("request", 2)

	require.Equal(t, 3.0, testutil.ToFloat64(m.expired))
	require.Equal(t, 2.0, testutil.ToFloat64(m.notifications.WithLabelValues("request")))

	var nilMetrics *Metrics
	nilMetrics.AddExpiredRequests(1)
	require.NoError(t, nilMetrics.Track("x").End(nil))
}
