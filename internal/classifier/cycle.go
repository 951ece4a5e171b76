package classifier

import (
	"math"

	"codeberg.org/mutker/hardensim/internal/physics"
	"codeberg.org/mutker/hardensim/internal/telemetry"
)

// Cycle accumulates the statistics of one in-flight part.
type Cycle struct {
	PeakPowerKW    float64 `json:"peak_power_kw"`
	PeakPartTempC  float64 `json:"peak_part_temp_c"`
	MinScanSpeed   float64 `json:"min_scan_speed_mms"`
	PeakWaterTempC float64 `json:"peak_water_temp_c"`

	flowSum     float64
	pressureSum float64
	quenchTicks int
	activeTicks int
}

// Observe folds one reading taken in state into the cycle.
func (c *Cycle) Observe(state telemetry.State, r physics.Reading) {
	c.PeakPowerKW = math.Max(c.PeakPowerKW, r.PowerKW)
	c.PeakPartTempC = math.Max(c.PeakPartTempC, r.PartTempC)

	if state != telemetry.StateHeating && state != telemetry.StateQuench {
		return
	}
	if c.activeTicks == 0 || r.ScanSpeedMMS < c.MinScanSpeed {
		c.MinScanSpeed = r.ScanSpeedMMS
	}
	c.activeTicks++

	if state != telemetry.StateQuench {
		return
	}
	if c.quenchTicks == 0 || r.WaterTempC > c.PeakWaterTempC {
		c.PeakWaterTempC = r.WaterTempC
	}
	c.flowSum += r.FlowLPM
	c.pressureSum += r.PressureBar
	c.quenchTicks++
}

// Reset clears the cycle for a new part.
func (c *Cycle) Reset() {
	*c = Cycle{}
}

// Quenched reports whether any QUENCH reading was observed.
func (c Cycle) Quenched() bool {
	return c.quenchTicks > 0
}

// Active reports whether any HEATING or QUENCH reading was observed.
func (c Cycle) Active() bool {
	return c.activeTicks > 0
}

// MeanFlowLPM is the mean quench flow.
func (c Cycle) MeanFlowLPM() float64 {
	if c.quenchTicks == 0 {
		return 0
	}

	return c.flowSum / float64(c.quenchTicks)
}

// MeanPressureBar is the mean quench pressure.
func (c Cycle) MeanPressureBar() float64 {
	if c.quenchTicks == 0 {
		return 0
	}

	return c.pressureSum / float64(c.quenchTicks)
}
