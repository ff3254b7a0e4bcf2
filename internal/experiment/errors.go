package experiment

import "codeberg.org/mutker/pvctl/internal/errors"

// Error kinds surfaced by the lifecycle manager.
const (
	ErrValidation        = errors.ErrValidation
	ErrNotFound          = errors.ErrNotFound
	ErrInvalidTransition = errors.ErrInvalidTransition
	ErrNotImplemented    = errors.ErrNotImplemented
)
