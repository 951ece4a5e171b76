package metrics_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"codeberg.org/mutker/hardensim/internal/cell"
	"codeberg.org/mutker/hardensim/internal/drift"
	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/machine"
	"codeberg.org/mutker/hardensim/internal/metrics"
	"codeberg.org/mutker/hardensim/internal/telemetry"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	status cell.Status
	report drift.Report
	err    error
}

func (f fakeSource) Status() cell.Status { return f.status }

func (f fakeSource) Drift(context.Context) (drift.Report, error) { return f.report, f.err }

func source() fakeSource {
	return fakeSource{
		status: cell.Status{
			Mode: cell.ModeLive,
			Machine: machine.Snapshot{
				State:    telemetry.StateQuench,
				Clock:    machine.DefaultEpoch,
				Counters: telemetry.Counters{CoilLifeRemaining: 199990, OKCount: 8, NGCount: 1, DownCount: 1},
			},
			Latest: &telemetry.Sample{Seq: 42, PartTempC: 612.5, WaterPressureBar: 3.49, WaterFlowLPM: 120},
		},
		report: drift.Report{Velocity: -0.75, Risk: drift.Critical, Samples: 8},
	}
}

func parse(t *testing.T, b []byte) map[string]*dto.MetricFamily {
	t.Helper()
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(b))
	require.NoError(t, err)

	return families
}

func value(t *testing.T, mf *dto.MetricFamily, label, want string) float64 {
	t.Helper()
	for _, m := range mf.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == want {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("no %s=%q in %s", label, want, mf.GetName())

	return 0
}

func TestExpositionRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, metrics.NewExporter(source()).Write(context.Background(), &buf))

	families := parse(t, buf.Bytes())

	parts := families["hardensim_parts_total"]
	require.NotNil(t, parts)
	assert.Equal(t, dto.MetricType_COUNTER, parts.GetType())
	assert.Equal(t, 8.0, value(t, parts, "status", "OK"))
	assert.Equal(t, 1.0, value(t, parts, "status", "DOWN"))

	assert.Equal(t, 199990.0, families["hardensim_coil_life_remaining"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 1.0, value(t, families["hardensim_machine_state"], "state", "QUENCH"))
	assert.Equal(t, 0.0, value(t, families["hardensim_machine_state"], "state", "DOWN"))
	assert.Equal(t, 1.0, value(t, families["hardensim_drift_risk"], "risk", "CRITICAL"))
	assert.Equal(t, -0.75, families["hardensim_drift_velocity_bar_per_minute"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 42.0, families["hardensim_latest_sequence"].GetMetric()[0].GetGauge().GetValue())
	assert.NotContains(t, families, "hardensim_batch_rows_committed")
}

func TestBatchProgressExposed(t *testing.T) {
	src := source()
	src.status.Mode = cell.ModeBatch
	src.status.Batch = &cell.BatchProgress{RunID: 3, Rows: 12000, Target: 50000}

	var buf bytes.Buffer
	require.NoError(t, metrics.NewExporter(src).Write(context.Background(), &buf))
	families := parse(t, buf.Bytes())

	assert.Equal(t, 12000.0, families["hardensim_batch_rows_committed"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 1.0, value(t, families["hardensim_run_mode"], "mode", "batch"))
}

func TestServeHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	metrics.NewExporter(source()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "# TYPE hardensim_parts_total counter")

	src := source()
	src.err = errors.New().New(errors.ErrPersistence)
	rec = httptest.NewRecorder()
	metrics.NewExporter(src).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
