package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// histogramSampleCount reads the observation count of a registered
// histogram, optionally narrowed by label values.
func histogramSampleCount(t *testing.T, name string, labels map[string]string) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metric:
		for _, m := range family.GetMetric() {
			for k, v := range labels {
				matched := false
				for _, pair := range m.GetLabel() {
					if pair.GetName() == k && pair.GetValue() == v {
						matched = true
						break
					}
				}
				if !matched {
					continue metric
				}
			}
			return m.GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func TestTimerDurationGrows(t *testing.T) {
	timer := NewTimer()

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	time.Sleep(20 * time.Millisecond)
	second := timer.Duration()

	assert.GreaterOrEqual(t, first, 20*time.Millisecond)
	assert.Greater(t, second, first)
}

func TestObserveDurationRecordsDispatchLatency(t *testing.T) {
	before := histogramSampleCount(t, "haku_dispatch_latency_seconds", nil)

	timer := NewTimer()
	timer.ObserveDuration(DispatchLatency)

	after := histogramSampleCount(t, "haku_dispatch_latency_seconds", nil)
	assert.Equal(t, before+1, after)
}

func TestObserveDurationVecRecordsAPIRequestDuration(t *testing.T) {
	labels := map[string]string{"method": "POST"}
	before := histogramSampleCount(t, "haku_api_request_duration_seconds", labels)

	timer := NewTimer()
	timer.ObserveDurationVec(APIRequestDuration, "POST")

	after := histogramSampleCount(t, "haku_api_request_duration_seconds", labels)
	assert.Equal(t, before+1, after)
}

func TestTimersAreIndependent(t *testing.T) {
	earlier := NewTimer()
	time.Sleep(20 * time.Millisecond)
	later := NewTimer()
	time.Sleep(10 * time.Millisecond)

	assert.Greater(t, earlier.Duration(), later.Duration())
}
