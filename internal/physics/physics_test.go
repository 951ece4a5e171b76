package physics_test

import (
	"math"
	"math/rand"
	"testing"

	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/physics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextTemperatureThermalStep(t *testing.T) {
	assert.InDelta(t, 346.25, physics.NextTemperature(100, 50, 0), 1e-9)
}

func TestStepWithinNoiseBand(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for range 1000 {
		got, err := physics.Step(100, physics.Inputs{PowerKW: 50}, physics.DrawNoise(r))
		require.NoError(t, err)
		assert.InDelta(t, 346.25, got.PartTempC, physics.TempNoiseC)
	}
}

func TestStepFloorsAtAmbient(t *testing.T) {
	got, err := physics.Step(60, physics.Inputs{FlowLPM: 120, PressureBar: 3.5}, physics.Noise{TempC: -0.5})
	require.NoError(t, err)
	assert.Equal(t, physics.AmbientC, got.PartTempC)
}

func TestStepCeiling(t *testing.T) {
	got, err := physics.Step(700, physics.Inputs{PowerKW: 50, TempCeilingC: 800}, physics.Noise{})
	require.NoError(t, err)
	assert.Equal(t, 800.0, got.PartTempC)
}

func TestStepPassesSetpointsThroughExactly(t *testing.T) {
	in := physics.Inputs{FlowLPM: 120, PressureBar: 3.5, WaterTempC: 26.5, ScanSpeedMMS: 8, TemperingSpeedMMS: 5}
	got, err := physics.Step(900, in, physics.Noise{TempC: 0.3, PressureBar: 0.01, WaterTempC: -0.1})
	require.NoError(t, err)

	assert.Equal(t, 120.0, got.FlowLPM)
	assert.Equal(t, 0.0, got.PowerKW)
	assert.Equal(t, 8.0, got.ScanSpeedMMS)
	assert.InDelta(t, 3.51, got.PressureBar, 1e-9)
	assert.InDelta(t, 26.4, got.WaterTempC, 1e-9)
}

func TestStepNoPressureNoiseWithoutFlow(t *testing.T) {
	got, err := physics.Step(25, physics.Inputs{}, physics.Noise{PressureBar: 0.01})
	require.NoError(t, err)
	assert.Zero(t, got.PressureBar)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		reading physics.Reading
		wantErr bool
	}{
		{"nominal", physics.Reading{PowerKW: 50, PartTempC: 300, WaterTempC: 26, FlowLPM: 0}, false},
		{"negative flow", physics.Reading{FlowLPM: -1}, true},
		{"negative pressure", physics.Reading{PressureBar: -0.1}, true},
		{"nan temperature", physics.Reading{PartTempC: math.NaN()}, true},
		{"infinite power", physics.Reading{PowerKW: math.Inf(1)}, true},
		{"below absolute zero", physics.Reading{PartTempC: -300}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := physics.Validate(tt.reading)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, errors.ErrPhysicsInvariant, errors.CodeOf(err))
		})
	}
}

func TestStepRejectsNonFinitePower(t *testing.T) {
	_, err := physics.Step(100, physics.Inputs{PowerKW: math.Inf(1)}, physics.Noise{})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrPhysicsInvariant))
}

func TestRelax(t *testing.T) {
	assert.Equal(t, 500.0, physics.Relax(500, 0))
	assert.InDelta(t, physics.AmbientC+475*0.95, physics.Relax(500, 1), 1e-9)
	assert.InDelta(t, physics.AmbientC, physics.Relax(900, 3600), 1e-6)
}
