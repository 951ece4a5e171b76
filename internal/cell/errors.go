package cell

import "codeberg.org/mutker/hardensim/internal/errors"

const (
	ErrConflict    = errors.ErrConflict
	ErrPersistence = errors.ErrPersistence
	ErrNotReady    = errors.ErrUnavailable
)

func conflict(msg string) error {
	return errors.New().WithMessage(ErrConflict, msg)
}
