// Package machine implements the cycle state machine of one induction
// hardening cell. A Machine is an owned instance; callers serialize access.
package machine

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"codeberg.org/mutker/hardensim/internal/classifier"
	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/fault"
	"codeberg.org/mutker/hardensim/internal/logger"
	"codeberg.org/mutker/hardensim/internal/physics"
	"codeberg.org/mutker/hardensim/internal/telemetry"
	"github.com/google/uuid"
)

// Override replaces nominal setpoints while enabled.
type Override struct {
	Enabled       bool    `json:"enabled"`
	TempCeilingC  float64 `json:"temp_ceiling_c"`
	FlowTargetLPM float64 `json:"flow_target_lpm"`
}

// Outcome is the result of one tick.
type Outcome struct {
	Sample      telemetry.Sample
	Counters    telemetry.Counters
	Completed   bool
	Interrupted bool
	Verdict     classifier.Finding
}

// Snapshot is a copy of the machine's externally visible state.
type Snapshot struct {
	State    telemetry.State            `json:"state"`
	Clock    time.Time                  `json:"clock"`
	PartID   string                     `json:"part_id,omitempty"`
	Counters telemetry.Counters         `json:"counters"`
	Faults   []fault.Fault              `json:"faults"`
	Override Override                   `json:"override"`
	Downtime string                     `json:"downtime,omitempty"`
	Policy   classifier.Priority2Policy `json:"priority2_policy"`
}

// Machine sequences parts through LOADING, HEATING, QUENCH and UNLOADING.
type Machine struct {
	opts   Options
	cls    *classifier.Classifier
	faults *fault.Injector
	log    logger.Logger

	state    telemetry.State
	ticks    int
	clock    time.Time
	partTemp float64
	partID   string
	cycle    classifier.Cycle
	cycles   int64
	counters telemetry.Counters
	override Override
	downtime classifier.Finding
	last     telemetry.Sample

	noise *rand.Rand
	ids   *rand.Rand
}

// New returns an IDLE machine with fresh counters at opts.Epoch.
func New(opts Options) *Machine {
	m := &Machine{
		opts:   opts,
		cls:    classifier.New(opts.Bands, opts.Priority2),
		faults: fault.NewInjector(),
		log:    logger.New("machine"),
	}
	m.Reset()

	return m
}

// Reset returns the machine to a fresh coil at the epoch.
func (m *Machine) Reset() {
	m.faults.Repair()
	m.state = telemetry.StateIdle
	m.ticks = 0
	m.clock = m.opts.Epoch
	m.partTemp = physics.AmbientC
	m.partID = ""
	m.cycle.Reset()
	m.cycles = 0
	m.counters = telemetry.NewCounters()
	m.override = Override{}
	m.downtime = classifier.Finding{}
	m.last = telemetry.Sample{}
	m.noise = rand.New(rand.NewSource(m.opts.Seed))
	m.ids = rand.New(rand.NewSource(m.opts.Seed ^ 0x5f3759df))
}

// Restore continues from a persisted resume point. A DOWN machine stays
// DOWN until repaired; any other state resumes as IDLE.
func (m *Machine) Restore(r telemetry.Resume) {
	m.Reset()
	m.counters = r.Counters
	if !r.Clock.IsZero() {
		m.clock = r.Clock
	}
	switch r.State {
	case telemetry.StateDown:
		m.downtime = classifier.DowntimeFrom(r.Reason)
		m.setState(telemetry.StateDown)
	case telemetry.StateWarm:
		m.setState(telemetry.StateWarm)
	}
}

// Start begins production from IDLE. Starting during WARM is accepted and
// lets the ramp continue.
func (m *Machine) Start() error {
	switch m.state {
	case telemetry.StateIdle:
		m.startCycle()
		return nil
	case telemetry.StateWarm:
		return nil
	case telemetry.StateDown:
		return invalid(fmt.Sprintf("machine is DOWN: %s", m.downtime.Reason))
	default:
		return invalid(fmt.Sprintf("machine is already running (%s)", m.state))
	}
}

// Stop halts production. The in-flight part is abandoned; counters and
// faults are kept. A DOWN machine stays DOWN.
func (m *Machine) Stop() error {
	switch m.state {
	case telemetry.StateIdle:
		return invalid("machine is not running")
	case telemetry.StateDown:
		return nil
	}

	m.partID = ""
	m.cycle.Reset()
	m.setState(telemetry.StateIdle)

	return nil
}

// InjectFault arms an instantaneous fault.
func (m *Machine) InjectFault(kind fault.Kind) error {
	if m.state == telemetry.StateDown {
		return invalid(fmt.Sprintf("cannot inject %s: machine is DOWN (%s)", kind, m.downtime.Reason))
	}

	return m.faults.Inject(kind)
}

// StartDrift arms a drift fault.
func (m *Machine) StartDrift(target fault.Parameter, ratePerTick float64) error {
	if m.state == telemetry.StateDown {
		return invalid(fmt.Sprintf("cannot drift %s: machine is DOWN (%s)", target, m.downtime.Reason))
	}

	return m.faults.StartDrift(target, ratePerTick)
}

// ClearFaults removes armed faults without a state change.
func (m *Machine) ClearFaults() {
	m.faults.Repair()
}

// Repair clears faults and begins the WARM ramp. It reports false, and
// changes nothing, when the machine is not DOWN.
func (m *Machine) Repair() bool {
	if m.state != telemetry.StateDown {
		return false
	}

	m.log.Info().Str("reason", m.downtime.Reason).Msg("Repair started")
	m.faults.Repair()
	m.counters.ConsecutiveNG = 0
	m.downtime = classifier.Finding{}
	m.partID = ""
	m.setState(telemetry.StateWarm)

	return true
}

// SetManualOverride replaces nominal setpoints from the next tick on.
func (m *Machine) SetManualOverride(o Override) error {
	if o.Enabled {
		if !finite(o.TempCeilingC) || o.TempCeilingC <= physics.AmbientC {
			return invalid(fmt.Sprintf("temp ceiling must exceed %.0f °C, got %v", physics.AmbientC, o.TempCeilingC))
		}
		if !finite(o.FlowTargetLPM) || o.FlowTargetLPM < 0 {
			return invalid(fmt.Sprintf("flow target must be non-negative, got %v", o.FlowTargetLPM))
		}
	}
	m.override = o

	return nil
}

// SetPriority2Policy changes when operational DOWN conditions stop the machine.
func (m *Machine) SetPriority2Policy(p classifier.Priority2Policy) {
	m.cls.SetPolicy(p)
}

// Tick advances the machine by one simulated tick. A non-physical reading
// rejects the tick: the clock, state and drift offset stay put and the
// previous sample is returned together with the violation.
func (m *Machine) Tick() (Outcome, error) {
	in := m.faults.Perturb(m.setpoints())
	r, err := physics.Step(m.partTemp, in, physics.DrawNoise(m.noise))
	if err != nil {
		return Outcome{Sample: m.last, Counters: m.counters}, err
	}
	m.faults.Advance()

	s := m.sample(r)
	m.clock = m.clock.Add(m.opts.Tick)
	m.partTemp = r.PartTempC
	m.ticks++

	var out Outcome
	if m.state.InCycle() {
		m.cycle.Observe(m.state, r)
	}
	if f := m.cls.Check(m.state, r, m.counters.CoilLifeRemaining); f.Severity == classifier.SeverityDown {
		s = m.interrupt(s, f)
		out.Interrupted = true
		out.Verdict = f
	} else {
		s, out = m.advance(s, r)
	}

	m.last = s
	out.Sample = s
	out.Counters = m.counters

	return out, nil
}

func (m *Machine) advance(s telemetry.Sample, r physics.Reading) (telemetry.Sample, Outcome) {
	var out Outcome

	switch m.state {
	case telemetry.StateLoading:
		if m.elapsed() >= m.opts.Loading {
			m.setState(telemetry.StateHeating)
		}
	case telemetry.StateHeating:
		if r.PartTempC >= m.heatTarget() || m.watchdog() {
			m.setState(telemetry.StateQuench)
		}
	case telemetry.StateQuench:
		if r.PartTempC <= m.opts.QuenchExitC || m.watchdog() {
			m.setState(telemetry.StateUnloading)
		}
	case telemetry.StateUnloading:
		if m.elapsed() >= m.opts.Unloading {
			s, out.Verdict = m.complete(s)
			out.Completed = true
		}
	case telemetry.StateWarm:
		if m.elapsed() >= m.opts.Warm {
			m.startCycle()
		}
	case telemetry.StateIdle, telemetry.StateDown:
	}

	return s, out
}

// complete classifies the finished part, stamps the verdict on its last
// sample and decides whether production continues.
func (m *Machine) complete(s telemetry.Sample) (telemetry.Sample, classifier.Finding) {
	v := m.cls.Classify(m.cycle, m.counters.CoilLifeRemaining)

	s.Status = v.Severity.Status()
	s.Reason = v.Reason
	s.Event = true

	switch v.Severity {
	case classifier.SeverityOK:
		m.counters.OKCount++
	case classifier.SeverityNG:
		m.counters.NGCount++
	case classifier.SeverityDown:
		m.counters.DownCount++
	}
	m.counters.CoilLifeRemaining--

	d := classifier.Arbitrate(v, m.counters.ConsecutiveNG, m.opts.QualityStopLimit)
	m.counters.ConsecutiveNG = d.ConsecutiveNG

	m.log.Debug().
		Str("part_id", s.PartID).
		Str("status", string(s.Status)).
		Str("reason", s.Reason).
		Int("coil_life", m.counters.CoilLifeRemaining).
		Msg("Cycle completed")

	if d.Stop {
		m.goDown(d.Downtime)
	} else {
		m.startCycle()
	}

	return s, v
}

func (m *Machine) interrupt(s telemetry.Sample, f classifier.Finding) telemetry.Sample {
	s.Status = telemetry.StatusDown
	s.Reason = f.Reason
	s.Event = true
	m.counters.DownCount++
	m.goDown(f)

	return s
}

func (m *Machine) goDown(f classifier.Finding) {
	m.log.Info().
		Str("part_id", m.partID).
		Str("reason", f.Reason).
		Str("priority", f.Priority.String()).
		Msg("Machine DOWN")

	m.downtime = f
	m.cycle.Reset()
	m.setState(telemetry.StateDown)
}

func (m *Machine) startCycle() {
	m.cycles++
	m.noise = rand.New(rand.NewSource(m.opts.Seed + m.cycles))
	m.partID = m.newPartID()
	m.partTemp = physics.AmbientC
	m.cycle.Reset()
	m.setState(telemetry.StateLoading)
}

func (m *Machine) newPartID() string {
	id, err := uuid.NewRandomFromReader(m.ids)
	if err != nil {
		return fmt.Sprintf("PART-%08X", m.cycles)
	}

	return "PART-" + strings.ToUpper(id.String()[:8])
}

func (m *Machine) setState(s telemetry.State) {
	m.state = s
	m.ticks = 0
}

func (m *Machine) elapsed() time.Duration {
	return time.Duration(m.ticks) * m.opts.Tick
}

func (m *Machine) watchdog() bool {
	if m.opts.WatchdogTicks <= 0 || m.ticks < m.opts.WatchdogTicks {
		return false
	}
	m.log.Warn().
		Str("state", string(m.state)).
		Str("part_id", m.partID).
		Float64("part_temp_c", m.partTemp).
		Msg("Phase watchdog expired")

	return true
}

func (m *Machine) heatTarget() float64 {
	if m.override.Enabled && m.override.TempCeilingC < m.opts.HeatTargetC {
		return m.override.TempCeilingC
	}

	return m.opts.HeatTargetC
}

func (m *Machine) setpoints() physics.Inputs {
	in := physics.Inputs{WaterTempC: waterTempC}

	switch m.state {
	case telemetry.StateHeating:
		in.PowerKW = heatPowerKW
		in.ScanSpeedMMS = heatScanMMS
	case telemetry.StateQuench:
		in.FlowLPM = quenchFlowLPM
		in.PressureBar = quenchPressureBar
		in.ScanSpeedMMS = quenchScanMMS
		in.TemperingSpeedMMS = temperingMMS
		if m.override.Enabled {
			in.FlowLPM = m.override.FlowTargetLPM
		}
	}
	if m.override.Enabled {
		in.TempCeilingC = m.override.TempCeilingC
	}

	return in
}

func (m *Machine) sample(r physics.Reading) telemetry.Sample {
	s := telemetry.Sample{
		Time:              m.clock,
		Duration:          m.opts.Tick,
		PowerKW:           r.PowerKW,
		PartTempC:         r.PartTempC,
		WaterTempC:        r.WaterTempC,
		WaterFlowLPM:      r.FlowLPM,
		WaterPressureBar:  r.PressureBar,
		ScanSpeedMMS:      r.ScanSpeedMMS,
		TemperingSpeedMMS: r.TemperingSpeedMMS,
		State:             m.state,
		Status:            telemetry.StatusOK,
	}
	if m.state.InCycle() {
		s.PartID = m.partID
	}
	if m.state == telemetry.StateDown {
		s.Status = telemetry.StatusDown
		s.Reason = m.downtime.Reason
	}

	return s
}

// State returns the current machine state.
func (m *Machine) State() telemetry.State { return m.state }

// Clock returns the simulated time of the next tick.
func (m *Machine) Clock() time.Time { return m.clock }

// Counters returns the current counters.
func (m *Machine) Counters() telemetry.Counters { return m.counters }

// Last returns the most recent accepted sample.
func (m *Machine) Last() telemetry.Sample { return m.last }

// Downtime returns the finding that put the machine DOWN.
func (m *Machine) Downtime() classifier.Finding { return m.downtime }

// Faults returns the armed faults.
func (m *Machine) Faults() []fault.Fault { return m.faults.Active() }

// Snapshot copies the externally visible state.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{
		State:    m.state,
		Clock:    m.clock,
		PartID:   m.partID,
		Counters: m.counters,
		Faults:   m.faults.Active(),
		Override: m.override,
		Downtime: m.downtime.Reason,
		Policy:   m.cls.Policy(),
	}
}

func invalid(reason string) error {
	return errors.New().WithMessage(errors.ErrValidation, reason)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
