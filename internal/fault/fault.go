// Package fault holds the active fault perturbations of one machine.
package fault

import (
	"fmt"
	"math"

	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/physics"
)

// Kind names an instantaneous fault.
type Kind string

const (
	HoseBurst   Kind = "hose_burst"
	PowerSurge  Kind = "power_surge"
	ServoJam    Kind = "servo_jam"
	CoolingFail Kind = "cooling_fail"
	PumpFailure Kind = "pump_failure"
)

// Kinds lists every instantaneous fault kind.
var Kinds = []Kind{HoseBurst, PowerSurge, ServoJam, CoolingFail, PumpFailure}

// Forced values held while an instantaneous fault is active.
const (
	hoseBurstPressureBar = 8.0
	powerSurgeKW         = 95.0
	servoJamScanMMS      = 2.0
	coolingFailWaterC    = 60.0
	pumpFailureFlowLPM   = 30.0
)

// ParseKind validates an externally supplied fault kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}

	return "", errors.New().WithMessage(errors.ErrValidation, fmt.Sprintf("unknown fault kind %q", s))
}

// Parameter is a drift target.
type Parameter string

const (
	Power     Parameter = "power"
	Flow      Parameter = "flow"
	Pressure  Parameter = "pressure"
	WaterTemp Parameter = "water_temp"
	ScanSpeed Parameter = "scan_speed"
)

// Parameters lists every drift target.
var Parameters = []Parameter{Power, Flow, Pressure, WaterTemp, ScanSpeed}

// ParseParameter validates an externally supplied drift target.
func ParseParameter(s string) (Parameter, error) {
	for _, p := range Parameters {
		if string(p) == s {
			return p, nil
		}
	}

	return "", errors.New().WithMessage(errors.ErrValidation, fmt.Sprintf("unknown drift target %q", s))
}

// Fault is either an Instant or a Drift.
type Fault interface {
	fault()
	String() string
}

// Instant forces its targets out of range until repair.
type Instant struct {
	Kind Kind `json:"kind"`
}

// Drift adds a linearly growing offset to one parameter.
type Drift struct {
	Target      Parameter `json:"target"`
	RatePerTick float64   `json:"rate_per_tick"`
	Offset      float64   `json:"offset"`
}

func (Instant) fault() {}
func (Drift) fault()   {}

func (i Instant) String() string { return string(i.Kind) }

func (d Drift) String() string {
	return fmt.Sprintf("drift %s %+.4f/tick (offset %+.3f)", d.Target, d.RatePerTick, d.Offset)
}

// apply forces the fault's targets on in. Targets only move while their
// sensor is live, except the water temperature which is always reported.
func (i Instant) apply(in physics.Inputs) physics.Inputs {
	switch i.Kind {
	case HoseBurst:
		if in.FlowLPM > 0 {
			in.PressureBar = hoseBurstPressureBar
		}
	case PowerSurge:
		if in.PowerKW > 0 {
			in.PowerKW = powerSurgeKW
		}
	case ServoJam:
		if in.ScanSpeedMMS > 0 {
			in.ScanSpeedMMS = servoJamScanMMS
		}
	case CoolingFail:
		in.WaterTempC = coolingFailWaterC
	case PumpFailure:
		if in.FlowLPM > 0 {
			in.FlowLPM = pumpFailureFlowLPM
		}
	}

	return in
}

func (d Drift) apply(in physics.Inputs) physics.Inputs {
	shift := func(v float64) float64 {
		if v <= 0 {
			return v
		}
		return math.Max(v+d.Offset, 0)
	}

	switch d.Target {
	case Power:
		in.PowerKW = shift(in.PowerKW)
	case Flow:
		in.FlowLPM = shift(in.FlowLPM)
	case Pressure:
		in.PressureBar = shift(in.PressureBar)
	case WaterTemp:
		in.WaterTempC = shift(in.WaterTempC)
	case ScanSpeed:
		in.ScanSpeedMMS = shift(in.ScanSpeedMMS)
	}

	return in
}
