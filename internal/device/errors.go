package device

import "codeberg.org/mutker/pvctl/internal/errors"

const (
	ErrReadInventory    = errors.ErrorCode("device_read_inventory_failed")
	ErrInvalidInventory = errors.ErrorCode("device_invalid_inventory")
	ErrSync             = errors.ErrorCode("device_sync_failed")
)
