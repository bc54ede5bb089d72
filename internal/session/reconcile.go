package session

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"wagate/internal/ports"
	"wagate/internal/types"
)

// Reconciler aligns the session cache and on-disk auth material with the device store.
type Reconciler struct {
	devices ports.DeviceStore
	cache   *Cache
	auth    ports.AuthStore
}

func NewReconciler(devices ports.DeviceStore, cache *Cache, auth ports.AuthStore) *Reconciler {
	return &Reconciler{devices: devices, cache: cache, auth: auth}
}

// Sweep removes every session entry and every piece of auth material whose device no longer
// exists. Failures for a single id are logged and do not stop the sweep. It returns the ids
// that were cleaned up.
func (r *Reconciler) Sweep(ctx context.Context) ([]string, error) {
	ids, err := r.devices.DeviceIDs(ctx)
	if err != nil {
		return nil, types.Err(types.ErrDataStoreAccess, err, "list device ids")
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}

	stale := map[string]struct{}{}
	var order []string
	mark := func(id string) {
		if _, ok := known[id]; ok {
			return
		}
		if _, ok := stale[id]; ok {
			return
		}
		stale[id] = struct{}{}
		order = append(order, id)
	}
	for _, e := range r.cache.Entries() {
		mark(e.ID)
	}
	if r.auth != nil {
		authIDs, err := r.auth.ListAuth(ctx)
		if err != nil {
			log.WithError(err).Warn("listing auth material failed, sweeping session cache only")
		}
		for _, id := range authIDs {
			mark(id)
		}
	}

	removed := make([]string, 0, len(order))
	for _, id := range order {
		if err := r.purge(ctx, id); err != nil {
			log.WithError(err).WithField("deviceID", id).Error("reconcile: purge failed")
			continue
		}
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		log.WithField("deviceIDs", removed).Info("reconcile: removed stale sessions")
	}
	return removed, nil
}

// ReconcileDevice purges the session state of id if its device record is gone.
// It is a no-op for existing devices and for ids that were already purged.
func (r *Reconciler) ReconcileDevice(ctx context.Context, id string) error {
	_, err := r.devices.FindDevice(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.Err(types.ErrDataStoreAccess, err, "find device %s", id)
	}
	return r.purge(ctx, id)
}

func (r *Reconciler) purge(ctx context.Context, id string) error {
	removed, err := r.cache.Remove(ctx, id)
	if err != nil {
		return err
	}
	if removed {
		log.WithField("deviceID", id).Info("session entry removed")
	}
	if r.auth != nil {
		if err := r.auth.RemoveAuth(ctx, id); err != nil {
			return types.Err(types.ErrStorage, err, "remove auth material for %s", id)
		}
	}
	return nil
}
