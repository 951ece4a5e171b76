package machine

import (
	"time"

	"codeberg.org/mutker/hardensim/internal/classifier"
)

// Nominal setpoints.
const (
	heatPowerKW       = 50.0
	heatScanMMS       = 10.0
	quenchFlowLPM     = 120.0
	quenchPressureBar = 3.5
	quenchScanMMS     = 8.0
	temperingMMS      = 5.0
	waterTempC        = 26.5
)

// Options configures a machine instance.
type Options struct {
	Seed  int64
	Epoch time.Time

	Tick      time.Duration
	Loading   time.Duration
	Unloading time.Duration
	Warm      time.Duration

	HeatTargetC float64
	QuenchExitC float64

	// WatchdogTicks forces HEATING or QUENCH to progress when exceeded.
	WatchdogTicks int

	QualityStopLimit int
	Bands            classifier.Bands
	Priority2        classifier.Priority2Policy
}

// DefaultEpoch is the simulated clock origin of a fresh log.
var DefaultEpoch = time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC)

// DefaultOptions returns the production cell configuration.
func DefaultOptions() Options {
	return Options{
		Seed:             1,
		Epoch:            DefaultEpoch,
		Tick:             time.Second,
		Loading:          3 * time.Second,
		Unloading:        3 * time.Second,
		Warm:             10 * time.Minute,
		HeatTargetC:      850,
		QuenchExitC:      50,
		WatchdogTicks:    50,
		QualityStopLimit: classifier.DefaultQualityStopLimit,
		Bands:            classifier.DefaultBands(),
		Priority2:        classifier.AtCycleBoundary,
	}
}
