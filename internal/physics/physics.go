// Package physics implements the lumped-capacitance thermal model of the
// induction-hardening cell.
package physics

import (
	"math"
	"math/rand"

	"codeberg.org/mutker/hardensim/internal/errors"
)

// Model constants.
const (
	CHeat    = 5.0  // °C per kW per tick
	CCool    = 0.8  // °C per LPM per tick
	CLoss    = 0.05 // fraction of the excess over ambient lost per tick
	AmbientC = 25.0

	TempNoiseC       = 0.5
	PressureNoiseBar = 0.01
	WaterTempNoiseC  = 0.1

	absoluteZeroC = -273.15
)

// Inputs are the effective actuator and sensor setpoints for one tick, after
// overrides and fault perturbation.
type Inputs struct {
	PowerKW           float64
	FlowLPM           float64
	PressureBar       float64
	WaterTempC        float64
	ScanSpeedMMS      float64
	TemperingSpeedMMS float64

	// TempCeilingC clamps the part temperature when positive.
	TempCeilingC float64
}

// Noise holds the sensor noise drawn for one tick.
type Noise struct {
	TempC       float64
	PressureBar float64
	WaterTempC  float64
}

// Reading is the sensor view produced by one tick.
type Reading struct {
	PowerKW           float64
	PartTempC         float64
	WaterTempC        float64
	FlowLPM           float64
	PressureBar       float64
	ScanSpeedMMS      float64
	TemperingSpeedMMS float64
}

// DrawNoise samples one tick of sensor noise from r.
func DrawNoise(r *rand.Rand) Noise {
	return Noise{
		TempC:       uniform(r, TempNoiseC),
		PressureBar: uniform(r, PressureNoiseBar),
		WaterTempC:  uniform(r, WaterTempNoiseC),
	}
}

func uniform(r *rand.Rand, amplitude float64) float64 {
	return (r.Float64()*2 - 1) * amplitude
}

// NextTemperature is the noise-free thermal update.
func NextTemperature(tempC, powerKW, flowLPM float64) float64 {
	return tempC + CHeat*powerKW - CCool*flowLPM - CLoss*(tempC-AmbientC)
}

// Step advances the part temperature by one tick and returns the sensor
// reading. Pressure noise applies only while water is flowing.
func Step(tempC float64, in Inputs, n Noise) (Reading, error) {
	next := NextTemperature(tempC, in.PowerKW, in.FlowLPM) + n.TempC
	next = math.Max(next, AmbientC)
	if in.TempCeilingC > 0 {
		next = math.Min(next, in.TempCeilingC)
	}

	pressure := in.PressureBar
	if in.FlowLPM > 0 && pressure > 0 {
		pressure = math.Max(pressure+n.PressureBar, 0)
	}

	r := Reading{
		PowerKW:           in.PowerKW,
		PartTempC:         next,
		WaterTempC:        in.WaterTempC + n.WaterTempC,
		FlowLPM:           in.FlowLPM,
		PressureBar:       pressure,
		ScanSpeedMMS:      in.ScanSpeedMMS,
		TemperingSpeedMMS: in.TemperingSpeedMMS,
	}

	if err := Validate(r); err != nil {
		return Reading{}, err
	}

	return r, nil
}

// Validate rejects readings that cannot exist physically.
func Validate(r Reading) error {
	fields := []struct {
		name     string
		value    float64
		min      float64
		positive bool
	}{
		{"power_kw", r.PowerKW, 0, true},
		{"part_temp_c", r.PartTempC, absoluteZeroC, false},
		{"water_temp_c", r.WaterTempC, absoluteZeroC, false},
		{"water_flow_lpm", r.FlowLPM, 0, true},
		{"water_pressure_bar", r.PressureBar, 0, true},
		{"scan_speed_mms", r.ScanSpeedMMS, 0, true},
		{"tempering_speed_mms", r.TemperingSpeedMMS, 0, true},
	}

	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return violation(f.name, f.value, "non-finite")
		}
		if f.value < f.min {
			if f.positive {
				return violation(f.name, f.value, "negative")
			}
			return violation(f.name, f.value, "below absolute zero")
		}
	}

	return nil
}

func violation(field string, value float64, what string) error {
	return errors.New().WithMessage(errors.ErrPhysicsInvariant, what+" "+field).
		WithData(struct {
			Field string
			Value float64
		}{field, value})
}

// Relax returns the part temperature after ticks with no heating and no
// flow, using the closed form of the loss term.
func Relax(tempC float64, ticks int64) float64 {
	if ticks <= 0 {
		return tempC
	}
	excess := (tempC - AmbientC) * math.Pow(1-CLoss, float64(ticks))

	return AmbientC + excess
}
