package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistration(t *testing.T) {
	// Metrics are global; just assert that the variables are not nil
	assert.NotNil(t, IngestRequests)
	assert.NotNil(t, RulesIngested)
	assert.NotNil(t, ScanRequests)
	assert.NotNil(t, AlertsGenerated)
	assert.NotNil(t, EngineDuration)
	assert.NotNil(t, EngineFailures)
	assert.NotNil(t, SandboxJobsActive)
}

func TestRulesIngestedCounts(t *testing.T) {
	counter := RulesIngested.WithLabelValues("yara", "stored")
	before := testutil.ToFloat64(counter)
	counter.Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(counter))
}
