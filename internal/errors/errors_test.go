package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMessageTableMatchesCodes(t *testing.T) {
	codes := []ErrorCode{
		ErrValidation, ErrConflict, ErrPhysicsInvariant, ErrPersistence,
		ErrInternal, ErrInvalidArgument, ErrUnavailable,
		ErrInvalidConfig, ErrBindFlags, ErrReadConfig, ErrInvalidInterval,
		ErrInvalidLogLevel,
		ErrInitFailed, ErrShutdownFailed, ErrAlreadyRunning,
	}

	assert.Len(t, errorMessages, len(codes))
	for _, code := range codes {
		assert.NotEqual(t, string(code), GetErrorMessage(code), code)
	}
}

func TestCodeOfFindsTheOutermostCode(t *testing.T) {
	inner := New().WithMessage(ErrPersistence, "disk full")
	outer := New().Wrap(ErrConflict, inner)

	assert.Equal(t, ErrConflict, CodeOf(outer))
	assert.Equal(t, ErrPersistence, CodeOf(fmt.Errorf("commit: %w", inner)))
	assert.Equal(t, ErrInternal, CodeOf(fmt.Errorf("plain")))

	assert.True(t, HasCode(outer, ErrPersistence))
	assert.False(t, HasCode(outer, ErrValidation))
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, "Hose Burst (pressure 8.00 Bar)",
		ReasonOf(New().WithMessage(ErrValidation, "Hose Burst (pressure 8.00 Bar)")))
	assert.Equal(t, "Conflicting operation in progress", ReasonOf(New().New(ErrConflict)))
	assert.Equal(t, "plain", ReasonOf(fmt.Errorf("plain")))
	assert.Empty(t, ReasonOf(nil))
}
