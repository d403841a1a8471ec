package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	switch {
	case out.Gauge != nil:
		return out.GetGauge().GetValue()
	case out.Counter != nil:
		return out.GetCounter().GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestSetProgress(t *testing.T) {
	SetProgress("T1", 25, 100)
	assert.Equal(t, 0.25, value(t, TableProgress.WithLabelValues("T1")))

	SetProgress("T1", 10, 0)
	assert.Equal(t, 0.0, value(t, TableProgress.WithLabelValues("T1")))
}

func TestKPIOutcome(t *testing.T) {
	before := value(t, KPIResults.WithLabelValues("TxMajLa", "undefined"))
	KPIResults.WithLabelValues("TxMajLa", KPIOutcome(false)).Inc()
	assert.Equal(t, before+1, value(t, KPIResults.WithLabelValues("TxMajLa", "undefined")))
	assert.Equal(t, "defined", KPIOutcome(true))
}
