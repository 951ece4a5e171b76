// Package classifier turns cycle readings into OK/NG/DOWN verdicts and
// decides whether production continues.
package classifier

import (
	"fmt"
	"strings"
	"time"

	"codeberg.org/mutker/hardensim/internal/telemetry"
)

// Severity is totally ordered: OK < NG < DOWN.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityNG
	SeverityDown
)

func (s Severity) String() string {
	switch s {
	case SeverityOK:
		return "OK"
	case SeverityNG:
		return "NG"
	case SeverityDown:
		return "DOWN"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Status maps a severity onto the sample status vocabulary.
func (s Severity) Status() telemetry.Status {
	switch s {
	case SeverityNG:
		return telemetry.StatusNG
	case SeverityDown:
		return telemetry.StatusDown
	default:
		return telemetry.StatusOK
	}
}

// Priority is the stop-policy tier. Lower values are more urgent.
type Priority int

const (
	PriorityNone    Priority = 0
	PrioritySafety  Priority = 1
	PriorityOps     Priority = 2
	PriorityQuality Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PrioritySafety:
		return "safety"
	case PriorityOps:
		return "ops"
	case PriorityQuality:
		return "quality"
	default:
		return "none"
	}
}

// Cause is the vocabulary shared by verdict reasons and operator errors.
type Cause string

const (
	CauseHoseBurst           Cause = "Hose Burst"
	CauseCoilFailure         Cause = "Coil Failure"
	CauseInverterOvercurrent Cause = "Inverter Overcurrent"
	CauseServoOverload       Cause = "Servo Overload"
	CauseTotalPressureLoss   Cause = "Total Pressure Loss"
	CausePumpFailure         Cause = "Pump Failure"
	CauseScalding            Cause = "Scalding"
	CauseCracking            Cause = "Cracking"
	CauseSoftness            Cause = "Softness"
	CauseBrittleness         Cause = "Brittleness"
	CauseQualityStop         Cause = "Quality Stop"
)

var repairTimes = map[Cause]time.Duration{
	CauseHoseBurst:           45 * time.Minute,
	CauseCoilFailure:         60 * time.Minute,
	CauseInverterOvercurrent: 45 * time.Minute,
	CauseServoOverload:       20 * time.Minute,
	CauseTotalPressureLoss:   15 * time.Minute,
	CausePumpFailure:         30 * time.Minute,
	CauseScalding:            30 * time.Minute,
	CauseQualityStop:         15 * time.Minute,
}

const defaultRepairTime = 15 * time.Minute

// RepairTime is the simulated duration of the repair for c.
func (c Cause) RepairTime() time.Duration {
	if d, ok := repairTimes[c]; ok {
		return d
	}

	return defaultRepairTime
}

var causes = []Cause{
	CauseHoseBurst, CauseCoilFailure, CauseInverterOvercurrent, CauseServoOverload,
	CauseTotalPressureLoss, CausePumpFailure, CauseScalding, CauseCracking, CauseSoftness,
	CauseBrittleness, CauseQualityStop,
}

// CauseOf recovers the cause from a recorded reason string.
func CauseOf(reason string) (Cause, bool) {
	for _, c := range causes {
		if strings.HasPrefix(reason, string(c)) {
			return c, true
		}
	}

	return "", false
}

// Finding is one classified condition.
type Finding struct {
	Severity Severity
	Priority Priority
	Cause    Cause
	Reason   string
}

// Worse reports whether f outranks g: higher severity first, then the more
// urgent priority tier.
func (f Finding) Worse(g Finding) bool {
	if f.Severity != g.Severity {
		return f.Severity > g.Severity
	}
	if f.Priority == PriorityNone {
		return false
	}
	if g.Priority == PriorityNone {
		return true
	}

	return f.Priority < g.Priority
}

func (f Finding) String() string {
	return f.Reason
}

func finding(sev Severity, prio Priority, cause Cause, detail string) Finding {
	return Finding{
		Severity: sev,
		Priority: prio,
		Cause:    cause,
		Reason:   fmt.Sprintf("%s (%s)", cause, detail),
	}
}
