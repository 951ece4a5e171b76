// Package metrics renders the cell's counters, state and drift estimate in
// the Prometheus text exposition format.
package metrics

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"

	"codeberg.org/mutker/hardensim/internal/cell"
	"codeberg.org/mutker/hardensim/internal/drift"
	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/logger"
	"codeberg.org/mutker/hardensim/internal/telemetry"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

const namespace = "hardensim_"

// Source is what the exporter reads.
type Source interface {
	Status() cell.Status
	Drift(ctx context.Context) (drift.Report, error)
}

// Exporter serves the exposition.
type Exporter struct {
	src Source
	log logger.Logger
}

// NewExporter returns an exporter reading from src.
func NewExporter(src Source) *Exporter {
	return &Exporter{src: src, log: logger.New("metrics")}
}

// Families builds the metric families, sorted by name.
func (e *Exporter) Families(ctx context.Context) ([]*dto.MetricFamily, error) {
	status := e.src.Status()
	report, err := e.src.Drift(ctx)
	if err != nil {
		return nil, err
	}

	c := status.Machine.Counters
	families := []*dto.MetricFamily{
		family("parts_total", "Parts classified, by verdict.", dto.MetricType_COUNTER,
			counter(float64(c.OKCount), "status", string(telemetry.StatusOK)),
			counter(float64(c.NGCount), "status", string(telemetry.StatusNG)),
			counter(float64(c.DownCount), "status", string(telemetry.StatusDown)),
		),
		family("coil_life_remaining", "Cycles left on the induction coil.", dto.MetricType_GAUGE,
			gauge(float64(c.CoilLifeRemaining)),
		),
		family("consecutive_ng", "NG parts since the last OK part.", dto.MetricType_GAUGE,
			gauge(float64(c.ConsecutiveNG)),
		),
		family("machine_state", "Current machine state.", dto.MetricType_GAUGE,
			oneHot("state", string(status.Machine.State), states())...,
		),
		family("run_mode", "Execution context driving the cell.", dto.MetricType_GAUGE,
			oneHot("mode", string(status.Mode), []string{string(cell.ModeIdle), string(cell.ModeLive), string(cell.ModeBatch)})...,
		),
		family("active_faults", "Armed faults.", dto.MetricType_GAUGE,
			gauge(float64(len(status.Machine.Faults))),
		),
		family("drift_velocity_bar_per_minute", "Least-squares slope of quench pressure.", dto.MetricType_GAUGE,
			gauge(report.Velocity),
		),
		family("drift_risk", "Graded drift risk.", dto.MetricType_GAUGE,
			oneHot("risk", string(report.Risk), []string{
				string(drift.Optimal), string(drift.Warning), string(drift.HighRisk), string(drift.Critical),
			})...,
		),
		family("simulated_time_seconds", "Simulated clock as a Unix timestamp.", dto.MetricType_GAUGE,
			gauge(float64(status.Machine.Clock.Unix())),
		),
	}

	if l := status.Latest; l != nil {
		families = append(families,
			family("part_temperature_celsius", "Part temperature of the latest committed sample.", dto.MetricType_GAUGE, gauge(l.PartTempC)),
			family("water_pressure_bar", "Quench water pressure of the latest committed sample.", dto.MetricType_GAUGE, gauge(l.WaterPressureBar)),
			family("water_flow_lpm", "Quench water flow of the latest committed sample.", dto.MetricType_GAUGE, gauge(l.WaterFlowLPM)),
			family("latest_sequence", "Sequence number of the latest committed sample.", dto.MetricType_GAUGE, gauge(float64(l.Seq))),
		)
	}
	if b := status.Batch; b != nil {
		families = append(families,
			family("batch_rows_committed", "Rows committed by the running batch.", dto.MetricType_GAUGE, gauge(float64(b.Rows))),
			family("batch_target_rows", "Row target of the running batch.", dto.MetricType_GAUGE, gauge(float64(b.Target))),
		)
	}

	sort.Slice(families, func(i, j int) bool {
		return families[i].GetName() < families[j].GetName()
	})

	return families, nil
}

// Write renders the exposition to w.
func (e *Exporter) Write(ctx context.Context, w io.Writer) error {
	families, err := e.Families(ctx)
	if err != nil {
		return err
	}

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return errors.New().Wrap(errors.ErrInternal, err)
		}
	}

	return nil
}

// ServeHTTP implements http.Handler.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := e.Write(r.Context(), &buf); err != nil {
		e.log.Error().Err(err).Msg("Failed to render metrics")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	if _, err := w.Write(buf.Bytes()); err != nil {
		e.log.Debug().Err(err).Msg("Failed to write metrics response")
	}
}

func family(name, help string, typ dto.MetricType, metrics ...*dto.Metric) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   proto.String(namespace + name),
		Help:   proto.String(help),
		Type:   typ.Enum(),
		Metric: metrics,
	}
}

func gauge(v float64, labels ...string) *dto.Metric {
	return &dto.Metric{Label: labelPairs(labels), Gauge: &dto.Gauge{Value: proto.Float64(v)}}
}

func counter(v float64, labels ...string) *dto.Metric {
	return &dto.Metric{Label: labelPairs(labels), Counter: &dto.Counter{Value: proto.Float64(v)}}
}

func oneHot(label, current string, values []string) []*dto.Metric {
	out := make([]*dto.Metric, 0, len(values))
	for _, v := range values {
		value := 0.0
		if v == current {
			value = 1
		}
		out = append(out, gauge(value, label, v))
	}

	return out
}

func labelPairs(kv []string) []*dto.LabelPair {
	var out []*dto.LabelPair
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, &dto.LabelPair{Name: proto.String(kv[i]), Value: proto.String(kv[i+1])})
	}

	return out
}

func states() []string {
	return []string{
		string(telemetry.StateIdle),
		string(telemetry.StateLoading),
		string(telemetry.StateHeating),
		string(telemetry.StateQuench),
		string(telemetry.StateUnloading),
		string(telemetry.StateDown),
		string(telemetry.StateWarm),
	}
}
