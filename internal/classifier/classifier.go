package classifier

import (
	"fmt"
	"strings"

	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/physics"
	"codeberg.org/mutker/hardensim/internal/telemetry"
)

// Priority2Policy decides when operational DOWN conditions stop the machine.
type Priority2Policy string

const (
	// AtCycleBoundary applies Priority-2 DOWN at cycle completion.
	AtCycleBoundary Priority2Policy = "cycle_boundary"
	// Interrupt applies Priority-2 DOWN on the detecting QUENCH tick.
	Interrupt Priority2Policy = "interrupt"
)

// ParsePriority2Policy validates a configured policy name.
func ParsePriority2Policy(s string) (Priority2Policy, error) {
	switch Priority2Policy(s) {
	case AtCycleBoundary, Interrupt:
		return Priority2Policy(s), nil
	case "":
		return AtCycleBoundary, nil
	default:
		return "", errors.New().WithMessage(errors.ErrInvalidConfig,
			fmt.Sprintf("unknown priority-2 policy %q", s))
	}
}

// DefaultQualityStopLimit is the number of consecutive NG parts before DOWN.
const DefaultQualityStopLimit = 5

// Classifier evaluates cycles against a set of bands.
type Classifier struct {
	bands  Bands
	policy Priority2Policy
}

// New returns a classifier over bands with the given Priority-2 policy.
func New(bands Bands, policy Priority2Policy) *Classifier {
	if policy == "" {
		policy = AtCycleBoundary
	}

	return &Classifier{bands: bands, policy: policy}
}

// Policy returns the Priority-2 policy in force.
func (c *Classifier) Policy() Priority2Policy {
	return c.policy
}

// SetPolicy changes the Priority-2 policy.
func (c *Classifier) SetPolicy(p Priority2Policy) {
	c.policy = p
}

// Bands returns the tables in force.
func (c *Classifier) Bands() Bands {
	return c.bands
}

// Classify returns the verdict of a completed cycle. The most severe finding
// wins; NG reasons from several parameters are joined.
func (c *Classifier) Classify(cycle Cycle, coilLife int) Finding {
	findings := c.hardChecks(cycle.PeakPowerKW, cycle.MinScanSpeed, cycle.Active(), coilLife)

	if cycle.Quenched() {
		findings = append(findings,
			c.bands.Flow.Evaluate(cycle.MeanFlowLPM()),
			c.bands.Pressure.Evaluate(cycle.MeanPressureBar()),
			c.bands.WaterTemp.Evaluate(cycle.PeakWaterTempC),
		)
	}
	findings = append(findings, c.bands.PartTemp.Evaluate(cycle.PeakPartTempC))

	return worst(findings)
}

// Check evaluates a single tick's reading for conditions that stop the
// machine immediately: every Priority-1 condition, and Priority-2 conditions
// under the Interrupt policy. It returns a finding of SeverityOK otherwise.
func (c *Classifier) Check(state telemetry.State, r physics.Reading, coilLife int) Finding {
	active := state == telemetry.StateHeating || state == telemetry.StateQuench
	if !active {
		return Finding{Severity: SeverityOK}
	}

	findings := c.hardChecks(r.PowerKW, r.ScanSpeedMMS, true, coilLife)
	findings = append(findings, c.bands.PartTemp.Evaluate(r.PartTempC))
	if state == telemetry.StateQuench {
		findings = append(findings,
			c.bands.Flow.Evaluate(r.FlowLPM),
			c.bands.Pressure.Evaluate(r.PressureBar),
			c.bands.WaterTemp.Evaluate(r.WaterTempC),
		)
	}

	var stop []Finding
	for _, f := range findings {
		if f.Severity != SeverityDown {
			continue
		}
		if f.Priority == PrioritySafety || (f.Priority == PriorityOps && c.policy == Interrupt) {
			stop = append(stop, f)
		}
	}

	return worst(stop)
}

func (c *Classifier) hardChecks(powerKW, scanSpeed float64, active bool, coilLife int) []Finding {
	var out []Finding
	if coilLife <= 0 {
		out = append(out, finding(SeverityDown, PrioritySafety, CauseCoilFailure,
			fmt.Sprintf("coil life %d", coilLife)))
	}
	if powerKW > c.bands.MaxPowerKW {
		out = append(out, finding(SeverityDown, PrioritySafety, CauseInverterOvercurrent,
			fmt.Sprintf("power %.1f kW", powerKW)))
	}
	if active && scanSpeed < c.bands.MinScanSpeedMMS {
		out = append(out, finding(SeverityDown, PrioritySafety, CauseServoOverload,
			fmt.Sprintf("scan speed %.1f mm/s", scanSpeed)))
	}

	return out
}

func worst(findings []Finding) Finding {
	best := Finding{Severity: SeverityOK}
	var ng []string
	for _, f := range findings {
		if f.Severity == SeverityNG {
			ng = append(ng, f.Reason)
		}
		if f.Worse(best) {
			best = f
		}
	}
	if best.Severity == SeverityNG && len(ng) > 1 {
		best.Reason = strings.Join(ng, ", ")
	}

	return best
}

// Decision is the outcome of arbitration after a verdict.
type Decision struct {
	ConsecutiveNG int
	Stop          bool
	Downtime      Finding
}

// Arbitrate applies the stop-policy tiers to a completed cycle's verdict.
// consecutiveNG is the count before this verdict.
func Arbitrate(verdict Finding, consecutiveNG, limit int) Decision {
	if limit <= 0 {
		limit = DefaultQualityStopLimit
	}

	switch verdict.Severity {
	case SeverityDown:
		return Decision{ConsecutiveNG: consecutiveNG, Stop: true, Downtime: verdict}
	case SeverityNG:
		n := consecutiveNG + 1
		if n < limit {
			return Decision{ConsecutiveNG: n}
		}
		return Decision{
			ConsecutiveNG: n,
			Stop:          true,
			Downtime: Finding{
				Severity: SeverityDown,
				Priority: PriorityQuality,
				Cause:    CauseQualityStop,
				Reason:   fmt.Sprintf("%s (%d consecutive NG: %s)", CauseQualityStop, n, verdict.Reason),
			},
		}
	default:
		return Decision{}
	}
}

// DowntimeFrom rebuilds a downtime finding from a persisted reason.
func DowntimeFrom(reason string) Finding {
	cause, _ := CauseOf(reason)

	return Finding{Severity: SeverityDown, Priority: PriorityNone, Cause: cause, Reason: reason}
}
