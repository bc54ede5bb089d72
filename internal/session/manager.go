package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"wagate/internal/ports"
	"wagate/internal/ttl"
	"wagate/internal/types"
)

const eventTimeout = 15 * time.Second

// Options wires a Manager. Devices, Cache and Engine are required.
type Options struct {
	Devices ports.DeviceStore
	Cache   *Cache
	Auth    ports.AuthStore
	Engine  ports.Engine

	// Publisher and NotifyTopic enable lifecycle notifications; both are optional.
	Publisher   ports.Publisher
	NotifyTopic string
}

// Manager is the lifecycle controller. It is the only writer of the registry, of the ready and
// pairing fields of device records, and of session cache entries outside reconciliation.
// Everything that touches one device id runs under that id's lock.
type Manager struct {
	devices    ports.DeviceStore
	cache      *Cache
	engine     ports.Engine
	registry   *Registry
	reconciler *Reconciler
	notifier   *notifier
	locks      *keyedMutex
	qrCache    *ttl.Cache[string, []byte]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		devices:    opts.Devices,
		cache:      opts.Cache,
		engine:     opts.Engine,
		registry:   NewRegistry(),
		reconciler: NewReconciler(opts.Devices, opts.Cache, opts.Auth),
		notifier:   &notifier{pub: opts.Publisher, topic: opts.NotifyTopic},
		locks:      newKeyedMutex(),
		qrCache:    ttl.New[string, []byte](),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (m *Manager) Registry() *Registry { return m.registry }

func (m *Manager) Reconciler() *Reconciler { return m.reconciler }

// Start loads the session cache, sweeps sessions of deleted devices and initializes every
// remaining session. One device failing to initialize does not stop the others.
func (m *Manager) Start(ctx context.Context) error {
	if _, err := m.cache.Load(ctx); err != nil {
		return err
	}
	if _, err := m.reconciler.Sweep(ctx); err != nil {
		log.WithError(err).Error("startup reconciliation failed")
	}
	m.resetStale(ctx)
	entries := m.cache.Entries()
	for _, e := range entries {
		if _, err := m.Initialize(ctx, e.ID); err != nil {
			log.WithError(err).WithField("deviceID", e.ID).Error("initialize on startup failed")
		}
	}
	log.WithField("sessions", len(entries)).Info("session manager started")
	return nil
}

// resetStale clears the lifecycle fields of every device without a live handle. A process
// that did not shut down cleanly leaves them as they were.
func (m *Manager) resetStale(ctx context.Context) {
	ids, err := m.devices.DeviceIDs(ctx)
	if err != nil {
		log.WithError(err).Error("failed to list devices for lifecycle reset")
		return
	}
	for _, id := range ids {
		unlock := m.locks.Lock(id)
		if _, ok := m.registry.Get(id); !ok {
			err := m.devices.UpdateDevice(ctx, id, notReady())
			if err != nil && !errors.Is(err, types.ErrNotFound) {
				log.WithError(err).WithField("deviceID", id).Warn("failed to reset device lifecycle fields")
			}
		}
		unlock()
	}
}

func notReady() types.DeviceUpdate {
	return types.DeviceUpdate{Ready: types.Bool(false), PairingPayload: types.String("")}
}

// Close tears down every live handle, marks their devices not ready and waits for the event
// loops to exit.
func (m *Manager) Close() {
	for _, e := range m.registry.List() {
		unlock := m.locks.Lock(e.ID)
		if _, ok := m.teardownLocked(e.ID, false); ok {
			ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
			if err := m.devices.UpdateDevice(ctx, e.ID, notReady()); err != nil &&
				!errors.Is(err, types.ErrNotFound) {
				log.WithError(err).WithField("deviceID", e.ID).Warn("failed to mark device not ready on shutdown")
			}
			cancel()
		}
		unlock()
	}
	m.cancel()
	m.wg.Wait()
}

// Initialize starts a connection for the device and returns without waiting for it to become
// ready. A device that already has a live, non-terminal handle gets that handle back.
func (m *Manager) Initialize(ctx context.Context, id string) (*Handle, error) {
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.initializeLocked(ctx, id)
}

func (m *Manager) initializeLocked(ctx context.Context, id string) (*Handle, error) {
	if h, ok := m.registry.Get(id); ok && !h.State().Terminal() {
		return h, nil
	}
	logger := log.WithField("deviceID", id)

	dev, err := m.devices.FindDevice(ctx, id)
	if err == nil && (dev.Ready || dev.PairingPayload != nil) {
		// A new handle starts out initializing, so nothing from a previous one may survive.
		err = m.devices.UpdateDevice(ctx, id, notReady())
	}
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			return nil, types.Err(types.ErrDataStoreAccess, err, "reset device %s", id)
		}
		m.teardownLocked(id, false)
		if rerr := m.reconciler.ReconcileDevice(ctx, id); rerr != nil {
			logger.WithError(rerr).Error("failed to purge session of unknown device")
		}
		return nil, types.Err(types.ErrNotFound, nil, "device %s", id)
	}

	entry, ok := m.cache.Get(id)
	if !ok {
		entry = types.SessionEntry{ID: id, Name: dev.Name}
		if _, err := m.cache.Append(ctx, entry); err != nil {
			return nil, err
		}
	}

	client, err := m.engine.NewClient(m.ctx, id, entry.Auth)
	if err != nil {
		return nil, types.Err(types.ErrInitialization, err, "create engine client for %s", id)
	}
	h := newHandle(id, client)
	m.registry.Put(id, h)

	// The event loop is running before Start so nothing the engine emits is missed.
	m.wg.Add(1)
	go m.watch(h)

	if err := client.Start(ctx); err != nil {
		m.registry.Remove(id, false)
		h.setState(types.StateDisconnected)
		if cerr := client.Close(); cerr != nil {
			logger.WithError(cerr).Warn("engine client close failed")
		}
		return nil, types.Err(types.ErrInitialization, err, "start engine client for %s", id)
	}
	logger.Info("Initializing device")
	return h, nil
}

// CreateDevice registers a device, creates its session entry and starts initializing it.
// If the device was stored but initialization failed, both the device and the error are
// returned.
func (m *Manager) CreateDevice(ctx context.Context, name string) (types.Device, error) {
	name = strings.TrimSpace(name)
	if err := types.ValidateDeviceName(name); err != nil {
		return types.Device{}, types.Err(types.ErrInvalidRequest, err, "")
	}
	dev, err := m.devices.CreateDevice(ctx, name)
	if err != nil {
		return types.Device{}, types.Err(types.ErrDataStoreAccess, err, "create device")
	}

	unlock := m.locks.Lock(dev.ID)
	defer unlock()
	if _, err := m.cache.Append(ctx, types.SessionEntry{ID: dev.ID, Name: dev.Name}); err != nil {
		if derr := m.devices.DeleteDevice(ctx, dev.ID); derr != nil {
			log.WithError(derr).WithField("deviceID", dev.ID).Error("rollback of device record failed")
		}
		return types.Device{}, err
	}
	if _, err := m.initializeLocked(ctx, dev.ID); err != nil {
		return dev, err
	}
	return dev, nil
}

// GetDevice returns the device record together with its live connection state.
func (m *Manager) GetDevice(ctx context.Context, id string) (types.DeviceStatus, error) {
	dev, err := m.devices.FindDevice(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return types.DeviceStatus{}, types.Err(types.ErrNotFound, nil, "device %s", id)
		}
		return types.DeviceStatus{}, types.Err(types.ErrDataStoreAccess, err, "find device %s", id)
	}
	return types.DeviceStatus{Device: dev, State: m.registry.State(id).String()}, nil
}

// ListDevices returns a page of devices with their live connection states.
func (m *Manager) ListDevices(ctx context.Context, filter types.DeviceFilter) (types.DeviceStatusPage, error) {
	page, err := m.devices.ListDevices(ctx, filter.Normalize())
	if err != nil {
		return types.DeviceStatusPage{}, types.Err(types.ErrDataStoreAccess, err, "list devices")
	}
	out := types.DeviceStatusPage{
		Data:       make([]types.DeviceStatus, 0, len(page.Data)),
		Total:      page.Total,
		Page:       page.Page,
		Limit:      page.Limit,
		TotalPages: page.TotalPages,
	}
	for _, d := range page.Data {
		out.Data = append(out.Data, types.DeviceStatus{Device: d, State: m.registry.State(d.ID).String()})
	}
	return out, nil
}

// RemoveDevice tears down the device's connection whatever its state, deletes the record and
// purges its session. Removing an already removed device returns ErrNotFound but still leaves
// no session state behind.
func (m *Manager) RemoveDevice(ctx context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.teardownLocked(id, false)
	err := m.devices.DeleteDevice(ctx, id)
	notFound := errors.Is(err, types.ErrNotFound)
	if err != nil && !notFound {
		return types.Err(types.ErrDataStoreAccess, err, "delete device %s", id)
	}
	if rerr := m.reconciler.ReconcileDevice(ctx, id); rerr != nil {
		return rerr
	}
	if notFound {
		return types.Err(types.ErrNotFound, nil, "device %s", id)
	}
	log.WithField("deviceID", id).Info("device removed")
	m.notifier.notify(ctx, id, "removed", "")
	return nil
}

// teardownLocked removes and closes the live handle of id, if any. Safe in every state.
func (m *Manager) teardownLocked(id string, disconnected bool) (*Handle, bool) {
	h, ok := m.registry.Remove(id, disconnected)
	if !ok {
		return nil, false
	}
	h.setState(types.StateDisconnected)
	if err := h.client.Close(); err != nil {
		log.WithError(err).WithField("deviceID", id).Warn("engine client close failed")
	}
	return h, true
}

// watch drains a handle's event stream. A stream that ends while the handle is still live is
// treated as a disconnect.
func (m *Manager) watch(h *Handle) {
	defer m.wg.Done()
	for ev := range h.client.Events() {
		m.handleEvent(h, ev)
	}
	m.handleEvent(h, ports.Event{Kind: ports.EventDisconnected, Reason: "event stream closed"})
}

func (m *Manager) handleEvent(h *Handle, ev ports.Event) {
	unlock := m.locks.Lock(h.id)
	defer unlock()

	logger := log.WithFields(log.Fields{"deviceID": h.id, "event": ev.Kind.String()})
	if cur, ok := m.registry.Get(h.id); !ok || cur != h {
		logger.Debug("event for a handle that is no longer live, ignored")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	switch ev.Kind {
	case ports.EventPairingCode:
		h.setState(types.StateAwaitingPairing)
		if !m.updateDeviceLocked(ctx, h, types.DeviceUpdate{
			Ready:          types.Bool(false),
			PairingPayload: types.String(ev.Payload),
		}) {
			return
		}
		logger.Info("pairing code issued")
		m.notifier.notify(ctx, h.id, "pairing_code", "")

	case ports.EventReady:
		h.setState(types.StateReady)
		if !m.updateDeviceLocked(ctx, h, types.DeviceUpdate{
			Ready:          types.Bool(true),
			PairingPayload: types.String(""),
		}) {
			return
		}
		logger.Infof("Device %s is ready", h.id)
		m.notifier.notify(ctx, h.id, "ready", "")

	case ports.EventAuthUpdated:
		if err := m.cache.SetAuth(ctx, h.id, ev.Auth); err != nil {
			logger.WithError(err).Error("failed to persist refreshed auth material")
		}

	case ports.EventDisconnected:
		if !m.updateDeviceLocked(ctx, h, notReady()) {
			return
		}
		m.teardownLocked(h.id, true)
		logger.WithField("reason", ev.Reason).Warn("device disconnected")
		m.notifier.notify(ctx, h.id, "disconnected", ev.Reason)

	case ports.EventMessage:
		logger.WithFields(log.Fields{"from": ev.From, "body": ev.Body}).Debug("inbound message")

	default:
		logger.Warn("unknown engine event")
	}
}

// updateDeviceLocked writes lifecycle fields and reports whether the device still exists.
// A missing record means the device was deleted out of band: the handle is dropped and the
// session purged.
func (m *Manager) updateDeviceLocked(ctx context.Context, h *Handle, upd types.DeviceUpdate) bool {
	err := m.devices.UpdateDevice(ctx, h.id, upd)
	if err == nil {
		return true
	}
	logger := log.WithField("deviceID", h.id)
	if !errors.Is(err, types.ErrNotFound) {
		logger.WithError(err).Error("failed to update device record")
		return true
	}
	logger.Warn("device record vanished, dropping its session")
	m.teardownLocked(h.id, false)
	if rerr := m.reconciler.ReconcileDevice(ctx, h.id); rerr != nil {
		logger.WithError(rerr).Error("failed to purge session of deleted device")
	}
	return false
}
