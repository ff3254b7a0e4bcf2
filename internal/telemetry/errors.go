package telemetry

import "codeberg.org/mutker/pvctl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig

	// Source Errors
	ErrConnect         = errors.ErrorCode("telemetry_connect_failed")
	ErrSubscribe       = errors.ErrorCode("telemetry_subscribe_failed")
	ErrInvalidSnapshot = errors.ErrorCode("telemetry_invalid_snapshot")

	// Sink Errors
	ErrSinkWrite       = errors.ErrorCode("telemetry_sink_write_failed")
	ErrSinkUnavailable = errors.ErrUnavailable

	// Operation Errors
	ErrOperationTimeout = errors.ErrTimeout
)
