package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"gotest.tools/assert"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	assert.NilError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewRegistryStartsAtZero(t *testing.T) {
	reg := NewRegistry(prometheus.NewRegistry())

	assert.Equal(t, counterValue(t, reg.CheckpointsSubmitted), 0.0)
	assert.Equal(t, counterValue(t, reg.CheckpointsObserved), 0.0)
	assert.Equal(t, counterValue(t, reg.EscalationsValid), 0.0)
	assert.Equal(t, counterValue(t, reg.EscalationsInvalid), 0.0)
}

func TestRegistryCountersIncrement(t *testing.T) {
	reg := NewRegistry(prometheus.NewRegistry())

	reg.CheckpointsSubmitted.Inc()
	reg.CheckpointsSubmitted.Inc()
	assert.Equal(t, counterValue(t, reg.CheckpointsSubmitted), 2.0)

	reg.EscalationsValid.Inc()
	assert.Equal(t, counterValue(t, reg.EscalationsValid), 1.0)
	assert.Equal(t, counterValue(t, reg.EscalationsInvalid), 0.0)
}

func TestRouterMessagesDecodedIsLabeled(t *testing.T) {
	reg := NewRegistry(prometheus.NewRegistry())

	reg.RouterMessagesDecoded.WithLabelValues("cmd").Inc()
	reg.RouterMessagesDecoded.WithLabelValues("cmd").Inc()
	reg.RouterMessagesDecoded.WithLabelValues("close").Inc()

	assert.Equal(t, counterValue(t, reg.RouterMessagesDecoded.WithLabelValues("cmd")), 2.0)
	assert.Equal(t, counterValue(t, reg.RouterMessagesDecoded.WithLabelValues("close")), 1.0)
}
