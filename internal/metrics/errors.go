package metrics

import "codeberg.org/mutker/pvctl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig    = errors.ErrInvalidConfig
	ErrInvalidNamespace = errors.ErrorCode("metrics_invalid_namespace")

	// Registration Errors
	ErrRegistration = errors.ErrorCode("metrics_registration_failed")
)
