package notify

import "codeberg.org/mutker/pvctl/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrEncoding      = errors.ErrorCode("notify_encoding_failed")
	ErrPublish       = errors.ErrorCode("notify_publish_failed")
)
