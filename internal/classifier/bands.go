package classifier

import (
	"fmt"
	"os"

	"codeberg.org/mutker/hardensim/internal/errors"
	"gopkg.in/yaml.v3"
)

// Limit is a DOWN threshold with its cause and stop tier.
type Limit struct {
	Value    float64  `yaml:"value"`
	Cause    Cause    `yaml:"cause"`
	Priority Priority `yaml:"priority"`
}

// Table is the four-band range table of one monitored parameter.
type Table struct {
	Name      string  `yaml:"name"`
	Unit      string  `yaml:"unit"`
	OKMin     float64 `yaml:"ok_min"`
	OKMax     float64 `yaml:"ok_max"`
	LowCause  Cause   `yaml:"low_cause"`
	HighCause Cause   `yaml:"high_cause"`
	DownLow   *Limit  `yaml:"down_low,omitempty"`
	DownHigh  *Limit  `yaml:"down_high,omitempty"`
}

// Evaluate places v in the table's bands.
func (t Table) Evaluate(v float64) Finding {
	detail := fmt.Sprintf("%s %.2f %s", t.Name, v, t.Unit)

	switch {
	case t.DownLow != nil && v < t.DownLow.Value:
		return finding(SeverityDown, t.DownLow.Priority, t.DownLow.Cause, detail)
	case t.DownHigh != nil && v > t.DownHigh.Value:
		return finding(SeverityDown, t.DownHigh.Priority, t.DownHigh.Cause, detail)
	case v < t.OKMin:
		return finding(SeverityNG, PriorityQuality, t.LowCause, detail)
	case v > t.OKMax:
		return finding(SeverityNG, PriorityQuality, t.HighCause, detail)
	default:
		return Finding{Severity: SeverityOK}
	}
}

// Bands is the full set of range tables and hard limits.
type Bands struct {
	Flow      Table `yaml:"flow"`
	Pressure  Table `yaml:"pressure"`
	WaterTemp Table `yaml:"water_temp"`
	PartTemp  Table `yaml:"part_temp"`

	MaxPowerKW      float64 `yaml:"max_power_kw"`
	MinScanSpeedMMS float64 `yaml:"min_scan_speed_mms"`
}

// DefaultBands returns the production range tables.
func DefaultBands() Bands {
	return Bands{
		Flow: Table{
			Name: "flow", Unit: "LPM", OKMin: 80, OKMax: 150,
			LowCause: CauseSoftness, HighCause: CauseCracking,
			DownLow: &Limit{Value: 50, Cause: CausePumpFailure, Priority: PriorityOps},
		},
		Pressure: Table{
			Name: "pressure", Unit: "Bar", OKMin: 3.0, OKMax: 4.0,
			LowCause: CauseSoftness, HighCause: CauseCracking,
			DownLow:  &Limit{Value: 1.0, Cause: CauseTotalPressureLoss, Priority: PriorityOps},
			DownHigh: &Limit{Value: 6.0, Cause: CauseHoseBurst, Priority: PrioritySafety},
		},
		WaterTemp: Table{
			Name: "water temp", Unit: "°C", OKMin: 25, OKMax: 32,
			LowCause: CauseCracking, HighCause: CauseSoftness,
			DownHigh: &Limit{Value: 50, Cause: CauseScalding, Priority: PriorityOps},
		},
		PartTemp: Table{
			Name: "peak temp", Unit: "°C", OKMin: 850, OKMax: 1000,
			LowCause: CauseSoftness, HighCause: CauseBrittleness,
			DownHigh: &Limit{Value: 1200, Cause: CauseCoilFailure, Priority: PrioritySafety},
		},
		MaxPowerKW:      80,
		MinScanSpeedMMS: 5,
	}
}

// Validate checks that every table is ordered.
func (b Bands) Validate() error {
	for _, t := range []Table{b.Flow, b.Pressure, b.WaterTemp, b.PartTemp} {
		if t.OKMin > t.OKMax {
			return errors.New().WithMessage(errors.ErrInvalidConfig,
				fmt.Sprintf("%s: ok_min %.2f above ok_max %.2f", t.Name, t.OKMin, t.OKMax))
		}
		if t.DownLow != nil && t.DownLow.Value > t.OKMin {
			return errors.New().WithMessage(errors.ErrInvalidConfig,
				fmt.Sprintf("%s: down_low %.2f inside ok band", t.Name, t.DownLow.Value))
		}
		if t.DownHigh != nil && t.DownHigh.Value < t.OKMax {
			return errors.New().WithMessage(errors.ErrInvalidConfig,
				fmt.Sprintf("%s: down_high %.2f inside ok band", t.Name, t.DownHigh.Value))
		}
	}
	if b.MaxPowerKW <= 0 || b.MinScanSpeedMMS < 0 {
		return errors.New().WithMessage(errors.ErrInvalidConfig, "hard limits must be positive")
	}

	return nil
}

// LoadBands reads a YAML override on top of the defaults. Tables missing
// from the file keep their default values.
func LoadBands(path string) (Bands, error) {
	bands := DefaultBands()
	if path == "" {
		return bands, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Bands{}, errors.New().Wrap(errors.ErrReadConfig, err)
	}
	if err := yaml.Unmarshal(data, &bands); err != nil {
		return Bands{}, errors.New().Wrap(errors.ErrInvalidConfig, err)
	}
	if err := bands.Validate(); err != nil {
		return Bands{}, err
	}

	return bands, nil
}
