// Package drift estimates the trend of quench pressure over recent committed
// samples and grades it as a predictive risk.
package drift

import (
	"math"
	"time"

	"codeberg.org/mutker/hardensim/internal/telemetry"
)

// WindowSize is the number of most recent samples the estimate uses.
const WindowSize = 60

// Risk grades the absolute drift velocity.
type Risk string

const (
	Optimal  Risk = "OPTIMAL"
	Warning  Risk = "WARNING"
	HighRisk Risk = "HIGH_RISK"
	Critical Risk = "CRITICAL"
)

// Velocity thresholds in Bar per minute.
const (
	optimalMax  = 0.01
	warningMax  = 0.03
	highRiskMax = 0.05
)

// Point is one timestamped reading.
type Point struct {
	Time  time.Time
	Value float64
}

// Report is the outcome of one estimate.
type Report struct {
	Velocity  float64   `json:"velocity_per_min"`
	Risk      Risk      `json:"risk"`
	Samples   int       `json:"samples"`
	Latest    float64   `json:"latest"`
	WindowEnd time.Time `json:"window_end"`
}

// Classify grades a velocity by its magnitude.
func Classify(velocity float64) Risk {
	v := math.Abs(velocity)
	switch {
	case v <= optimalMax:
		return Optimal
	case v <= warningMax:
		return Warning
	case v <= highRiskMax:
		return HighRisk
	default:
		return Critical
	}
}

// Estimate fits a least-squares line through the last WindowSize points,
// ordered oldest to newest, and returns its slope per minute. Fewer than two
// points, or points sharing one timestamp, yield a zero velocity.
func Estimate(points []Point) Report {
	if len(points) > WindowSize {
		points = points[len(points)-WindowSize:]
	}

	r := Report{Risk: Optimal, Samples: len(points)}
	if len(points) == 0 {
		return r
	}
	last := points[len(points)-1]
	r.Latest = last.Value
	r.WindowEnd = last.Time
	if len(points) < 2 {
		return r
	}

	origin := points[0].Time
	n := float64(len(points))
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.Time.Sub(origin).Minutes()
		sumY += p.Value
	}
	meanX, meanY := sumX/n, sumY/n

	var sxx, sxy float64
	for _, p := range points {
		dx := p.Time.Sub(origin).Minutes() - meanX
		sxx += dx * dx
		sxy += dx * (p.Value - meanY)
	}
	if sxx == 0 {
		return r
	}

	r.Velocity = sxy / sxx
	r.Risk = Classify(r.Velocity)

	return r
}

// PressurePoints projects samples onto their quench pressure.
func PressurePoints(samples []telemetry.Sample) []Point {
	out := make([]Point, 0, len(samples))
	for _, s := range samples {
		out = append(out, Point{Time: s.Time, Value: s.WaterPressureBar})
	}

	return out
}
