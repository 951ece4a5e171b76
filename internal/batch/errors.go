package batch

import "codeberg.org/mutker/hardensim/internal/errors"

const (
	ErrInvalidOptions  = errors.ErrValidation
	ErrCommitFailed    = errors.ErrPersistence
	ErrMachineNotReady = errors.ErrorCode("batch_machine_not_ready")
)
