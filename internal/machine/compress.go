package machine

import (
	"time"

	"codeberg.org/mutker/hardensim/internal/physics"
	"codeberg.org/mutker/hardensim/internal/telemetry"
)

// CompressDowntime covers span of DOWN time with a single sample and moves
// the clock past it. The machine stays DOWN.
func (m *Machine) CompressDowntime(span time.Duration) (telemetry.Sample, error) {
	if m.state != telemetry.StateDown {
		return telemetry.Sample{}, invalid("downtime compression requires a DOWN machine")
	}

	s := m.spanSample(span)
	s.Status = telemetry.StatusDown
	s.Reason = m.downtime.Reason

	return s, nil
}

// CompressWarm covers the rest of the WARM ramp with a single sample and
// starts the next cycle.
func (m *Machine) CompressWarm() (telemetry.Sample, error) {
	if m.state != telemetry.StateWarm {
		return telemetry.Sample{}, invalid("warm-up compression requires a WARM machine")
	}

	remaining := max(m.opts.Warm-m.elapsed(), 0)
	s := m.spanSample(remaining)
	m.startCycle()

	return s, nil
}

// RepairMark returns a zero-length WARM sample at the current clock. It
// records a repair that no tick follows, such as one made while stopped.
func (m *Machine) RepairMark() (telemetry.Sample, error) {
	if m.state != telemetry.StateWarm {
		return telemetry.Sample{}, invalid("repair mark requires a WARM machine")
	}

	return m.spanSample(0), nil
}

func (m *Machine) spanSample(span time.Duration) telemetry.Sample {
	start := m.clock
	m.clock = m.clock.Add(span)
	if m.opts.Tick > 0 {
		m.partTemp = physics.Relax(m.partTemp, int64(span/m.opts.Tick))
	}

	s := telemetry.Sample{
		Time:       start,
		Duration:   span,
		PartTempC:  m.partTemp,
		WaterTempC: waterTempC,
		State:      m.state,
		Status:     telemetry.StatusOK,
	}
	m.last = s

	return s
}
