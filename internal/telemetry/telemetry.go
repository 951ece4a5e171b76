package telemetry

import "time"

// InitialCoilLife is the wear budget of a new coil, in cycles.
const InitialCoilLife = 200000

// State is the machine state recorded on every sample.
type State string

const (
	StateIdle      State = "IDLE"
	StateLoading   State = "LOADING"
	StateHeating   State = "HEATING"
	StateQuench    State = "QUENCH"
	StateUnloading State = "UNLOADING"
	StateDown      State = "DOWN"
	StateWarm      State = "WARM"
)

// Valid reports whether s is a known machine state.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateLoading, StateHeating, StateQuench, StateUnloading, StateDown, StateWarm:
		return true
	default:
		return false
	}
}

// InCycle reports whether a part is being processed.
func (s State) InCycle() bool {
	switch s {
	case StateLoading, StateHeating, StateQuench, StateUnloading:
		return true
	default:
		return false
	}
}

// Status is the quality status of a sample.
type Status string

const (
	StatusOK   Status = "OK"
	StatusNG   Status = "NG"
	StatusDown Status = "DOWN"
)

// NewCounters returns the counters of a fresh coil.
func NewCounters() Counters {
	return Counters{CoilLifeRemaining: InitialCoilLife}
}

// EventOf projects a sample onto the event log.
func EventOf(s Sample) Event {
	return Event{
		Time:   s.Time,
		PartID: s.PartID,
		Status: s.Status,
		Reason: s.Reason,
	}
}

// End returns the simulated instant at which the sample's span closes.
func (s Sample) End() time.Time {
	return s.Time.Add(s.Duration)
}

// NewResume is the resume point of an empty log.
func NewResume(epoch time.Time) Resume {
	return Resume{
		Counters: NewCounters(),
		Clock:    epoch,
		State:    StateIdle,
	}
}
