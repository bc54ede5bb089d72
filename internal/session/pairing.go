package session

import (
	"context"
	"errors"
	"time"

	"github.com/skip2/go-qrcode"

	"wagate/internal/types"
)

const (
	pairingImageSize = 256
	pairingImageTTL  = time.Minute
)

// PairingImage renders the device's current pairing code as a PNG.
// Only a live handle awaiting pairing has a code to show; any other state yields a
// *types.NotReadyError.
func (m *Manager) PairingImage(ctx context.Context, id string) ([]byte, error) {
	unlock := m.locks.Lock(id)
	defer unlock()
	dev, err := m.devices.FindDevice(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.Err(types.ErrNotFound, nil, "device %s", id)
		}
		return nil, types.Err(types.ErrDataStoreAccess, err, "find device %s", id)
	}
	state := m.registry.State(id)
	if state == types.StateReady {
		return nil, types.Err(types.ErrInvalidRequest, nil, "device %s is already paired", id)
	}
	if state != types.StateAwaitingPairing || dev.PairingPayload == nil || *dev.PairingPayload == "" {
		return nil, &types.NotReadyError{DeviceID: id, State: state}
	}
	payload := *dev.PairingPayload
	if png, ok := m.qrCache.Get(payload); ok {
		return png, nil
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, pairingImageSize)
	if err != nil {
		return nil, err
	}
	m.qrCache.Set(payload, png, pairingImageTTL)
	return png, nil
}
