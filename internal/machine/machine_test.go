package machine_test

import (
	"math"
	"regexp"
	"testing"
	"time"

	"codeberg.org/mutker/hardensim/internal/classifier"
	"codeberg.org/mutker/hardensim/internal/drift"
	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/fault"
	"codeberg.org/mutker/hardensim/internal/machine"
	"codeberg.org/mutker/hardensim/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const maxTicks = 5000

func newRunning(t *testing.T) *machine.Machine {
	t.Helper()
	m := machine.New(machine.DefaultOptions())
	require.NoError(t, m.Start())

	return m
}

func tick(t *testing.T, m *machine.Machine) machine.Outcome {
	t.Helper()
	out, err := m.Tick()
	require.NoError(t, err)

	return out
}

// runCycle ticks until a verdict or an interrupt is produced.
func runCycle(t *testing.T, m *machine.Machine) (machine.Outcome, []telemetry.Sample) {
	t.Helper()
	var samples []telemetry.Sample
	for range maxTicks {
		out := tick(t, m)
		samples = append(samples, out.Sample)
		if out.Completed || out.Interrupted {
			return out, samples
		}
	}
	t.Fatal("cycle did not finish")

	return machine.Outcome{}, nil
}

func TestNominalCycleSequence(t *testing.T) {
	m := newRunning(t)
	out, samples := runCycle(t, m)

	counts := map[telemetry.State]int{}
	for _, s := range samples {
		counts[s.State]++
	}
	assert.Equal(t, 3, counts[telemetry.StateLoading])
	assert.Equal(t, 4, counts[telemetry.StateHeating])
	assert.Equal(t, 8, counts[telemetry.StateQuench])
	assert.Equal(t, 3, counts[telemetry.StateUnloading])

	require.True(t, out.Completed)
	assert.Equal(t, telemetry.StatusOK, out.Sample.Status)
	assert.True(t, out.Sample.Event)
	assert.Equal(t, telemetry.StateLoading, m.State())

	for i := 1; i < len(samples); i++ {
		assert.Equal(t, time.Second, samples[i].Time.Sub(samples[i-1].Time))
	}
}

func TestQuenchEntryIsAStep(t *testing.T) {
	m := newRunning(t)

	for range maxTicks {
		s := tick(t, m).Sample
		if s.State == telemetry.StateQuench {
			assert.Equal(t, 120.0, s.WaterFlowLPM)
			assert.Equal(t, 0.0, s.PowerKW)
			assert.Equal(t, 8.0, s.ScanSpeedMMS)
			return
		}
	}
	t.Fatal("never reached QUENCH")
}

func TestHeatingSetpointsAndTrigger(t *testing.T) {
	m := newRunning(t)

	var heating []telemetry.Sample
	for range maxTicks {
		s := tick(t, m).Sample
		if s.State == telemetry.StateHeating {
			heating = append(heating, s)
		}
		if s.State == telemetry.StateQuench {
			break
		}
	}

	require.NotEmpty(t, heating)
	for _, s := range heating[:len(heating)-1] {
		assert.Less(t, s.PartTempC, 850.0)
	}
	last := heating[len(heating)-1]
	assert.GreaterOrEqual(t, last.PartTempC, 850.0)
	assert.Equal(t, 50.0, last.PowerKW)
	assert.Equal(t, 0.0, last.WaterFlowLPM)
	assert.Equal(t, 10.0, last.ScanSpeedMMS)
}

func TestOneVerdictAndOneCoilPerCycle(t *testing.T) {
	m := newRunning(t)

	events := 0
	for i := range 10 {
		before := m.Counters()
		out, samples := runCycle(t, m)
		require.True(t, out.Completed, "cycle %d", i)

		for _, s := range samples {
			if s.Event {
				events++
			}
		}
		after := m.Counters()
		assert.Equal(t, before.CoilLifeRemaining-1, after.CoilLifeRemaining)
		verdicts := (after.OKCount - before.OKCount) + (after.NGCount - before.NGCount) + (after.DownCount - before.DownCount)
		assert.Equal(t, 1, verdicts)
	}

	assert.Equal(t, 10, events)
	assert.Equal(t, telemetry.InitialCoilLife-10, m.Counters().CoilLifeRemaining)
}

func TestRepairIsNoopUnlessDown(t *testing.T) {
	m := machine.New(machine.DefaultOptions())
	assert.False(t, m.Repair())
	assert.Equal(t, telemetry.StateIdle, m.State())

	require.NoError(t, m.Start())
	require.NoError(t, m.StartDrift(fault.Flow, 0.1))
	tick(t, m)

	assert.False(t, m.Repair())
	assert.Equal(t, telemetry.StateLoading, m.State())
	assert.Len(t, m.Faults(), 1)
}

func TestSafetyReasonWinsOnTheSameTick(t *testing.T) {
	m := newRunning(t)
	require.NoError(t, m.SetManualOverride(machine.Override{Enabled: true, TempCeilingC: 1100, FlowTargetLPM: 160}))
	require.NoError(t, m.InjectFault(fault.HoseBurst))

	var out machine.Outcome
	for range maxTicks {
		out = tick(t, m)
		if out.Sample.State == telemetry.StateQuench {
			break
		}
	}

	require.True(t, out.Interrupted)
	assert.Equal(t, 160.0, out.Sample.WaterFlowLPM)
	assert.Equal(t, telemetry.StatusDown, out.Sample.Status)
	assert.Equal(t, classifier.CauseHoseBurst, out.Verdict.Cause)
	assert.Regexp(t, "^Hose Burst", out.Sample.Reason)
	assert.Equal(t, telemetry.StateDown, m.State())
	assert.Equal(t, 1, m.Counters().DownCount)
}

func TestPowerSurgeInterruptsOnFirstHeatingTick(t *testing.T) {
	m := newRunning(t)
	require.NoError(t, m.InjectFault(fault.PowerSurge))

	out, samples := runCycle(t, m)
	require.True(t, out.Interrupted)
	assert.Len(t, samples, 4)
	assert.Equal(t, telemetry.StateHeating, out.Sample.State)
	assert.Equal(t, classifier.CauseInverterOvercurrent, out.Verdict.Cause)
}

func TestQualityStopAfterFiveConsecutiveNG(t *testing.T) {
	m := newRunning(t)
	require.NoError(t, m.SetManualOverride(machine.Override{Enabled: true, TempCeilingC: 1100, FlowTargetLPM: 160}))

	ng := 0
	for m.State() != telemetry.StateDown {
		out, _ := runCycle(t, m)
		require.True(t, out.Completed)
		require.Equal(t, telemetry.StatusNG, out.Sample.Status)
		ng++
		require.LessOrEqual(t, ng, classifier.DefaultQualityStopLimit)
	}

	assert.Equal(t, classifier.DefaultQualityStopLimit, ng)
	assert.Equal(t, classifier.CauseQualityStop, m.Downtime().Cause)
	assert.Equal(t, 5, m.Counters().NGCount)
	assert.Zero(t, m.Counters().DownCount)
}

func TestOKPartResetsConsecutiveNG(t *testing.T) {
	m := newRunning(t)
	bad := machine.Override{Enabled: true, TempCeilingC: 1100, FlowTargetLPM: 160}

	require.NoError(t, m.SetManualOverride(bad))
	for range 3 {
		out, _ := runCycle(t, m)
		require.Equal(t, telemetry.StatusNG, out.Sample.Status)
	}
	assert.Equal(t, 3, m.Counters().ConsecutiveNG)

	require.NoError(t, m.SetManualOverride(machine.Override{}))
	out, _ := runCycle(t, m)
	require.Equal(t, telemetry.StatusOK, out.Sample.Status)
	assert.Zero(t, m.Counters().ConsecutiveNG)

	require.NoError(t, m.SetManualOverride(bad))
	for i := range 5 {
		require.NotEqual(t, telemetry.StateDown, m.State(), "stopped early at NG %d", i)
		out, _ := runCycle(t, m)
		require.Equal(t, telemetry.StatusNG, out.Sample.Status)
	}
	assert.Equal(t, telemetry.StateDown, m.State())
	assert.Equal(t, 8, m.Counters().NGCount)
}

func TestPriority2Policy(t *testing.T) {
	t.Run("cycle boundary", func(t *testing.T) {
		m := newRunning(t)
		require.NoError(t, m.InjectFault(fault.PumpFailure))

		out, _ := runCycle(t, m)
		require.True(t, out.Completed)
		assert.Equal(t, telemetry.StatusDown, out.Sample.Status)
		assert.Equal(t, classifier.CausePumpFailure, out.Verdict.Cause)
		assert.Equal(t, telemetry.StateDown, m.State())
		assert.Equal(t, telemetry.InitialCoilLife-1, m.Counters().CoilLifeRemaining)
	})

	t.Run("interrupt", func(t *testing.T) {
		opts := machine.DefaultOptions()
		opts.Priority2 = classifier.Interrupt
		m := machine.New(opts)
		require.NoError(t, m.Start())
		require.NoError(t, m.InjectFault(fault.PumpFailure))

		out, _ := runCycle(t, m)
		require.True(t, out.Interrupted)
		assert.Equal(t, telemetry.StateQuench, out.Sample.State)
		assert.Equal(t, classifier.CausePumpFailure, out.Verdict.Cause)
		assert.Equal(t, telemetry.InitialCoilLife, m.Counters().CoilLifeRemaining)
	})
}

func TestDriftIsPredictedBeforeItIsRejected(t *testing.T) {
	m := newRunning(t)
	require.NoError(t, m.StartDrift(fault.Pressure, -0.75/60))

	var quench []telemetry.Sample
	firstCritical, firstNG := -1, -1
	for i := 0; i < maxTicks && firstNG < 0; i++ {
		out := tick(t, m)
		if out.Sample.State == telemetry.StateQuench {
			quench = append(quench, out.Sample)
			if firstCritical < 0 && drift.Estimate(drift.PressurePoints(quench)).Risk == drift.Critical {
				firstCritical = i
			}
		}
		if out.Completed && out.Sample.Status == telemetry.StatusNG {
			firstNG = i
		}
	}

	require.GreaterOrEqual(t, firstCritical, 0)
	require.GreaterOrEqual(t, firstNG, 0)
	assert.Less(t, firstCritical, firstNG)
}

func TestInvalidCommandsLeaveStateAlone(t *testing.T) {
	m := machine.New(machine.DefaultOptions())

	err := m.Stop()
	require.Error(t, err)
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))

	require.NoError(t, m.Start())
	err = m.Start()
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))
	assert.Equal(t, telemetry.StateLoading, m.State())

	err = m.SetManualOverride(machine.Override{Enabled: true, TempCeilingC: 10, FlowTargetLPM: 100})
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))
	err = m.SetManualOverride(machine.Override{Enabled: true, TempCeilingC: 900, FlowTargetLPM: math.NaN()})
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))
	assert.False(t, m.Snapshot().Override.Enabled)

	require.NoError(t, m.InjectFault(fault.ServoJam))
	runCycle(t, m)
	require.Equal(t, telemetry.StateDown, m.State())

	err = m.InjectFault(fault.HoseBurst)
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))
	err = m.StartDrift(fault.Pressure, -0.01)
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))
	err = m.Start()
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))
	assert.NoError(t, m.Stop())
	assert.Equal(t, telemetry.StateDown, m.State())
}

func TestPartIDLockedToCompletingPart(t *testing.T) {
	pattern := regexp.MustCompile(`^PART-[0-9A-F]{8}$`)
	m := newRunning(t)

	out, samples := runCycle(t, m)
	require.True(t, out.Completed)
	id := samples[0].PartID
	assert.Regexp(t, pattern, id)
	for _, s := range samples {
		assert.Equal(t, id, s.PartID)
	}

	require.NoError(t, m.InjectFault(fault.HoseBurst))
	out, samples = runCycle(t, m)
	require.True(t, out.Interrupted)
	assert.NotEqual(t, id, out.Sample.PartID)
	assert.Equal(t, samples[0].PartID, out.Sample.PartID)
}

func TestRepairBeginsWarmAndClearsFaults(t *testing.T) {
	m := newRunning(t)
	require.NoError(t, m.InjectFault(fault.CoolingFail))
	require.NoError(t, m.StartDrift(fault.Flow, 0.01))
	runCycle(t, m)
	require.Equal(t, telemetry.StateDown, m.State())
	assert.Equal(t, classifier.CauseScalding, m.Downtime().Cause)

	coil := m.Counters().CoilLifeRemaining
	require.True(t, m.Repair())
	assert.Equal(t, telemetry.StateWarm, m.State())
	assert.Empty(t, m.Faults())
	assert.Equal(t, coil, m.Counters().CoilLifeRemaining)

	for range 600 {
		s := tick(t, m).Sample
		assert.Equal(t, telemetry.StateWarm, s.State)
		assert.Empty(t, s.PartID)
	}
	assert.Equal(t, telemetry.StateLoading, m.State())
}

func TestDowntimeCompression(t *testing.T) {
	m := newRunning(t)
	require.NoError(t, m.InjectFault(fault.ServoJam))
	runCycle(t, m)
	require.Equal(t, telemetry.StateDown, m.State())

	start := m.Clock()
	span := 5*time.Minute + m.Downtime().Cause.RepairTime()
	s, err := m.CompressDowntime(span)
	require.NoError(t, err)

	assert.Equal(t, start, s.Time)
	assert.Equal(t, span, s.Duration)
	assert.Equal(t, telemetry.StatusDown, s.Status)
	assert.Equal(t, start.Add(span), m.Clock())
	assert.Equal(t, telemetry.StateDown, m.State())

	require.True(t, m.Repair())
	w, err := m.CompressWarm()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, w.Duration)
	assert.Equal(t, start.Add(span+10*time.Minute), m.Clock())
	assert.Equal(t, telemetry.StateLoading, m.State())

	_, err = m.CompressDowntime(time.Minute)
	assert.Equal(t, errors.ErrValidation, errors.CodeOf(err))
}

func TestPhysicsViolationHoldsPreviousSample(t *testing.T) {
	m := newRunning(t)
	for m.State() != telemetry.StateHeating {
		tick(t, m)
	}
	last := m.Last()
	clock := m.Clock()

	require.NoError(t, m.StartDrift(fault.Power, math.MaxFloat64))
	out, err := m.Tick()
	require.Error(t, err)
	assert.Equal(t, errors.ErrPhysicsInvariant, errors.CodeOf(err))
	assert.Equal(t, last, out.Sample)
	assert.Equal(t, clock, m.Clock())
	assert.Equal(t, telemetry.StateHeating, m.State())

	// The rejected tick leaves the drift offset where it was.
	for range 3 {
		_, err = m.Tick()
		require.Error(t, err)
	}
	require.Len(t, m.Faults(), 1)
	d, ok := m.Faults()[0].(fault.Drift)
	require.True(t, ok)
	assert.Zero(t, d.Offset)

	require.NoError(t, m.StartDrift(fault.Power, 0))
	_, err = m.Tick()
	assert.NoError(t, err)
}

func TestDeterministicForSeed(t *testing.T) {
	a := newRunning(t)
	b := newRunning(t)

	for range 200 {
		assert.Equal(t, tick(t, a).Sample, tick(t, b).Sample)
	}
}

func TestRestore(t *testing.T) {
	m := machine.New(machine.DefaultOptions())
	clock := machine.DefaultEpoch.Add(42 * time.Hour)
	m.Restore(telemetry.Resume{
		Counters: telemetry.Counters{CoilLifeRemaining: 1000, OKCount: 7, ConsecutiveNG: 2},
		Clock:    clock,
		State:    telemetry.StateDown,
		Reason:   "Hose Burst (pressure 8.00 Bar)",
	})

	assert.Equal(t, telemetry.StateDown, m.State())
	assert.Equal(t, clock, m.Clock())
	assert.Equal(t, classifier.CauseHoseBurst, m.Downtime().Cause)
	assert.Equal(t, 7, m.Counters().OKCount)
	assert.Error(t, m.Start())

	require.True(t, m.Repair())
	assert.Zero(t, m.Counters().ConsecutiveNG)
}

func TestExhaustedCoilForcesSafetyDown(t *testing.T) {
	m := machine.New(machine.DefaultOptions())
	m.Restore(telemetry.Resume{Counters: telemetry.Counters{CoilLifeRemaining: 1}, Clock: machine.DefaultEpoch})
	require.NoError(t, m.Start())

	out, _ := runCycle(t, m)
	require.True(t, out.Completed)
	assert.Zero(t, m.Counters().CoilLifeRemaining)

	out, _ = runCycle(t, m)
	require.True(t, out.Interrupted)
	assert.Equal(t, classifier.CauseCoilFailure, out.Verdict.Cause)
	assert.Equal(t, classifier.PrioritySafety, out.Verdict.Priority)
}
