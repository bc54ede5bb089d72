package ports

import (
	"context"
	"wagate/internal/types"
)

// DeviceStore is the durable record store for device metadata.
// Implementations MUST return types.ErrNotFound (matched with errors.Is) for unknown ids,
// including from UpdateDevice and DeleteDevice, so callers can tell a racing deletion apart
// from an I/O failure.
type DeviceStore interface {
	FindDevice(ctx context.Context, id string) (types.Device, error)

	ListDevices(ctx context.Context, filter types.DeviceFilter) (types.DevicePage, error)

	// DeviceIDs returns every known device id. Used by reconciliation.
	DeviceIDs(ctx context.Context) ([]string, error)

	CreateDevice(ctx context.Context, name string) (types.Device, error)

	UpdateDevice(ctx context.Context, id string, upd types.DeviceUpdate) error

	DeleteDevice(ctx context.Context, id string) error
}
