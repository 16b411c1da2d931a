package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRecordPickIncrementsPerQueue(t *testing.T) {
	reg := New(prometheus.NewRegistry())

	reg.RecordPick("q1")
	reg.RecordPick("q1")
	reg.RecordPick("q2")

	require.Equal(t, 2.0, counterValue(t, reg.TasksPickedTotal.WithLabelValues("q1")))
	require.Equal(t, 1.0, counterValue(t, reg.TasksPickedTotal.WithLabelValues("q2")))
}

func TestTaskStartedAndFinishedTrackGauge(t *testing.T) {
	reg := New(prometheus.NewRegistry())

	reg.TaskStarted()
	reg.TaskStarted()
	reg.TaskFinished()

	var m dto.Metric
	require.NoError(t, reg.TasksRunning.Write(&m))
	require.Equal(t, 1.0, m.GetGauge().GetValue())
}

func TestRecordResolvedLabelsByStatus(t *testing.T) {
	reg := New(prometheus.NewRegistry())

	reg.RecordResolved("q1", "greet", "completed")

	require.Equal(t, 1.0, counterValue(t, reg.TasksResolvedTotal.WithLabelValues("q1", "greet", "completed")))
	require.Equal(t, 0.0, counterValue(t, reg.TasksResolvedTotal.WithLabelValues("q1", "greet", "failed")))
}
