package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounterVecsAcceptExpectedLabels(t *testing.T) {
	NotificationsTotal.Reset()
	IngestionPassesTotal.Reset()
	ProviderCallsTotal.Reset()
	ClassifierCallsTotal.Reset()
	StatusTransitionsTotal.Reset()
	FilterReconciliationsTotal.Reset()

	NotificationsTotal.WithLabelValues("accepted").Inc()
	NotificationsTotal.WithLabelValues("stale").Inc()
	IngestionPassesTotal.WithLabelValues("ok").Inc()
	IngestionPassesTotal.WithLabelValues("resync").Inc()
	ProviderCallsTotal.WithLabelValues("filter_create", "success").Inc()
	ClassifierCallsTotal.WithLabelValues("quota_exceeded").Inc()
	StatusTransitionsTotal.WithLabelValues("AUTO_ARCHIVED").Inc()
	FilterReconciliationsTotal.WithLabelValues("healed").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(NotificationsTotal.WithLabelValues("accepted")))
	assert.Equal(t, float64(1), testutil.ToFloat64(ProviderCallsTotal.WithLabelValues("filter_create", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(FilterReconciliationsTotal.WithLabelValues("healed")))
}

func TestGauges(t *testing.T) {
	ActiveWatches.Set(12)
	DegradedWatches.Set(2)

	assert.Equal(t, float64(12), testutil.ToFloat64(ActiveWatches))
	assert.Equal(t, float64(2), testutil.ToFloat64(DegradedWatches))
}
