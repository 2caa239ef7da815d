package storageaccess

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/JingOS-team/storaged/interfaces"
)

// ManagerConfig wires a Manager to its collaborators. Controller-level
// options are passed through to every controller the manager creates.
type ManagerConfig struct {
	Directory interfaces.DeviceDirectory
	Gateway   interfaces.Gateway

	Broker              CredentialBroker
	Passphrases         interfaces.CredentialSource
	RememberPassphrases bool
	CallerApp           string
	WindowHint          func() uint64

	Log *slog.Logger
}

// DeviceStatus is a point-in-time summary of a device for listings.
type DeviceStatus struct {
	ID         interfaces.DeviceID `json:"id"`
	Encrypted  bool                `json:"encrypted"`
	Accessible bool                `json:"accessible"`
	MountPath  string              `json:"mountPath,omitempty"`
}

type managedController struct {
	ctrl   *Controller
	cancel context.CancelFunc
}

// Manager owns one Controller per device, routes directory notifications to
// them and fans lifecycle events out to subscribers. Controllers are created
// lazily, on the first request for a device or on its added notification,
// and live until the device is removed or the manager stops.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu          sync.Mutex
	ctx         context.Context
	controllers map[interfaces.DeviceID]*managedController
	subs        map[uint64]chan interfaces.Event
	nextSub     uint64
}

// NewManager creates a manager. Run must be started before requests are
// accepted.
func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:         cfg,
		log:         log,
		controllers: make(map[interfaces.DeviceID]*managedController),
		subs:        make(map[uint64]chan interfaces.Event),
	}
}

// Run consumes directory notifications until ctx is cancelled. Controllers
// for devices already known to the directory are started up front.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	ids, err := m.cfg.Directory.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("initial device enumeration: %w", err)
	}
	for _, id := range ids {
		m.ensure(id)
	}

	notifs := m.cfg.Directory.Notifications()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notifs:
			if !ok {
				return nil
			}
			m.dispatch(ctx, n)
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, n interfaces.DeviceNotification) {
	switch n.Kind {
	case interfaces.DeviceAdded:
		m.log.Debug("device added", "device", n.Device)
		m.ensure(n.Device)
	case interfaces.DeviceRemoved:
		m.log.Debug("device removed", "device", n.Device)
		m.drop(n.Device)
	case interfaces.DeviceChanged:
		if ctrl := m.controller(n.Device); ctrl != nil {
			ctrl.NotifyChanged(ctx)
		}
	}
}

// Setup requests setup of the device. The boolean mirrors the controller's
// acceptance; an error means the device is unknown.
func (m *Manager) Setup(ctx context.Context, id interfaces.DeviceID) (bool, error) {
	ctrl, err := m.lookup(ctx, id)
	if err != nil {
		return false, err
	}
	return ctrl.Setup(ctx), nil
}

// Teardown requests teardown of the device, with Setup's semantics.
func (m *Manager) Teardown(ctx context.Context, id interfaces.DeviceID) (bool, error) {
	ctrl, err := m.lookup(ctx, id)
	if err != nil {
		return false, err
	}
	return ctrl.Teardown(ctx), nil
}

// Devices lists the known devices with their current accessibility.
func (m *Manager) Devices(ctx context.Context) ([]DeviceStatus, error) {
	ids, err := m.cfg.Directory.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	statuses := make([]DeviceStatus, 0, len(ids))
	for _, id := range ids {
		view, err := m.cfg.Directory.Device(ctx, id)
		if err != nil {
			continue
		}
		accessible, err := Accessible(ctx, m.cfg.Directory, id)
		if err != nil {
			continue
		}
		path, _ := MountPath(ctx, m.cfg.Directory, id)
		statuses = append(statuses, DeviceStatus{
			ID:         id,
			Encrypted:  view.IsEncryptedContainer,
			Accessible: accessible,
			MountPath:  path,
		})
	}
	return statuses, nil
}

// Subscribe registers a lifecycle event subscriber with the given channel
// buffer. Events are dropped, never blocked on, when a subscriber falls
// behind. The returned function unsubscribes.
func (m *Manager) Subscribe(buffer int) (<-chan interfaces.Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan interfaces.Event, buffer)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) emit(ev interfaces.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.log.Debug("dropping event for slow subscriber", "kind", ev.Kind, "device", ev.Device)
		}
	}
}

// lookup returns the controller for id, creating one when the device exists
// in the directory.
func (m *Manager) lookup(ctx context.Context, id interfaces.DeviceID) (*Controller, error) {
	if ctrl := m.controller(id); ctrl != nil {
		return ctrl, nil
	}
	if _, err := m.cfg.Directory.Device(ctx, id); err != nil {
		return nil, fmt.Errorf("unknown device %q: %w", id, err)
	}
	return m.ensure(id), nil
}

func (m *Manager) controller(id interfaces.DeviceID) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.controllers[id]; ok {
		return mc.ctrl
	}
	return nil
}

func (m *Manager) ensure(id interfaces.DeviceID) *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mc, ok := m.controllers[id]; ok {
		return mc.ctrl
	}

	base := m.ctx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)

	ctrl := NewController(ControllerConfig{
		Device:              id,
		Directory:           m.cfg.Directory,
		Gateway:             m.cfg.Gateway,
		Broker:              m.cfg.Broker,
		Passphrases:         m.cfg.Passphrases,
		RememberPassphrases: m.cfg.RememberPassphrases,
		CallerApp:           m.cfg.CallerApp,
		WindowHint:          m.cfg.WindowHint,
		Events:              m.emit,
		Log:                 m.log,
	})
	m.controllers[id] = &managedController{ctrl: ctrl, cancel: cancel}
	go ctrl.Run(ctx)
	return ctrl
}

func (m *Manager) drop(id interfaces.DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mc, ok := m.controllers[id]; ok {
		mc.cancel()
		delete(m.controllers, id)
	}
}
