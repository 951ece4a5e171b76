package telemetry

import (
	"context"
	"time"
)

// Recorder commits samples together with the counters they produced.
// Implementations must make both durable in one atomic unit before returning.
type Recorder interface {
	Commit(ctx context.Context, samples []Sample, counters Counters) error
}

// Reader is the read contract over committed telemetry.
type Reader interface {
	Latest(ctx context.Context) (Sample, bool, error)
	Recent(ctx context.Context, n int) ([]Sample, error)
	Range(ctx context.Context, from, to time.Time) ([]Sample, error)
	RecentInState(ctx context.Context, state State, n int) ([]Sample, error)
	Events(ctx context.Context, k int) ([]Event, error)
	Counters(ctx context.Context) (Counters, error)
}

// Sample is one committed telemetry row.
type Sample struct {
	Seq      int64         `json:"seq"`
	Time     time.Time     `json:"time"`
	Duration time.Duration `json:"duration"`

	PowerKW           float64 `json:"power_kw"`
	PartTempC         float64 `json:"part_temp_c"`
	WaterTempC        float64 `json:"water_temp_c"`
	WaterFlowLPM      float64 `json:"water_flow_lpm"`
	WaterPressureBar  float64 `json:"water_pressure_bar"`
	ScanSpeedMMS      float64 `json:"scan_speed_mms"`
	TemperingSpeedMMS float64 `json:"tempering_speed_mms"`

	PartID string `json:"part_id"`
	State  State  `json:"machine_state"`
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`

	// Event marks a cycle verdict or a mid-cycle interrupt.
	Event bool `json:"event"`
}

// Event is one entry of the NG/DOWN event log.
type Event struct {
	Time   time.Time `json:"time"`
	PartID string    `json:"part_id"`
	Status Status    `json:"status"`
	Reason string    `json:"reason"`
}

// Counters is the durable wear and verdict tally.
type Counters struct {
	CoilLifeRemaining int `json:"coil_life_remaining"`
	OKCount           int `json:"ok_count"`
	NGCount           int `json:"ng_count"`
	DownCount         int `json:"down_count"`
	ConsecutiveNG     int `json:"consecutive_ng"`
}

// Resume is what a machine needs to continue a prior run.
type Resume struct {
	Counters Counters
	Clock    time.Time
	Seq      int64
	State    State
	Reason   string
}
