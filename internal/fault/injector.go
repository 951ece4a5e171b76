package fault

import (
	"fmt"
	"math"

	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/physics"
)

// Injector holds at most one instantaneous and one drift fault. Arming a
// fault replaces the previous fault of the same variant.
type Injector struct {
	instant *Instant
	drift   *Drift
}

// NewInjector returns an injector with no active fault.
func NewInjector() *Injector {
	return &Injector{}
}

// Inject arms an instantaneous fault.
func (i *Injector) Inject(kind Kind) error {
	if _, err := ParseKind(string(kind)); err != nil {
		return err
	}
	i.instant = &Instant{Kind: kind}

	return nil
}

// StartDrift arms a drift fault with a zero offset.
func (i *Injector) StartDrift(target Parameter, ratePerTick float64) error {
	if _, err := ParseParameter(string(target)); err != nil {
		return err
	}
	if math.IsNaN(ratePerTick) || math.IsInf(ratePerTick, 0) {
		return errors.New().WithMessage(errors.ErrValidation,
			fmt.Sprintf("drift rate must be finite, got %v", ratePerTick))
	}
	i.drift = &Drift{Target: target, RatePerTick: ratePerTick}

	return nil
}

// Repair clears every active fault.
func (i *Injector) Repair() {
	i.instant = nil
	i.drift = nil
}

// Perturb returns in as the armed faults would shape it on the next tick.
// The drift offset is not advanced; see Advance.
func (i *Injector) Perturb(in physics.Inputs) physics.Inputs {
	if i.drift != nil {
		next := *i.drift
		next.Offset += next.RatePerTick
		in = next.apply(in)
	}
	if i.instant != nil {
		in = i.instant.apply(in)
	}

	return in
}

// Advance moves the drift offset on by one tick.
func (i *Injector) Advance() {
	if i.drift != nil {
		i.drift.Offset += i.drift.RatePerTick
	}
}

// Apply perturbs in and advances the drift offset.
func (i *Injector) Apply(in physics.Inputs) physics.Inputs {
	in = i.Perturb(in)
	i.Advance()

	return in
}

// Active returns copies of the armed faults, instantaneous first.
func (i *Injector) Active() []Fault {
	var out []Fault
	if i.instant != nil {
		out = append(out, *i.instant)
	}
	if i.drift != nil {
		out = append(out, *i.drift)
	}

	return out
}

// Any reports whether a fault is armed.
func (i *Injector) Any() bool {
	return i.instant != nil || i.drift != nil
}
