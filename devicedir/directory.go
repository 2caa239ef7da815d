package devicedir

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/JingOS-team/storaged/interfaces"
)

// notificationBuffer bounds the shared notification stream. Mutators never
// block on slow consumers; overflowing notifications are dropped and logged.
const notificationBuffer = 64

// Directory is an in-memory implementation of interfaces.DeviceDirectory.
// Mutations emit change notifications like the external device store would.
type Directory struct {
	log *slog.Logger

	mu      sync.Mutex
	devices map[interfaces.DeviceID]interfaces.DeviceView
	notifs  chan interfaces.DeviceNotification
}

// New creates an empty directory.
func New(log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{
		log:     log,
		devices: make(map[interfaces.DeviceID]interfaces.DeviceView),
		notifs:  make(chan interfaces.DeviceNotification, notificationBuffer),
	}
}

// Device returns the current snapshot for id.
func (d *Directory) Device(_ context.Context, id interfaces.DeviceID) (interfaces.DeviceView, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	view, ok := d.devices[id]
	if !ok {
		return interfaces.DeviceView{}, fmt.Errorf("device %q not found", id)
	}
	return view, nil
}

// ListDevices enumerates all known device ids.
func (d *Directory) ListDevices(_ context.Context) ([]interfaces.DeviceID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]interfaces.DeviceID, 0, len(d.devices))
	for id := range d.devices {
		ids = append(ids, id)
	}
	return ids, nil
}

// Invalidate is a no-op: the in-memory directory is always current.
func (d *Directory) Invalidate(interfaces.DeviceID) {}

// Notifications returns the shared change-notification stream.
func (d *Directory) Notifications() <-chan interfaces.DeviceNotification {
	return d.notifs
}

// SetDevice adds or replaces a device snapshot and notifies.
func (d *Directory) SetDevice(view interfaces.DeviceView) {
	d.mu.Lock()
	_, existed := d.devices[view.ID]
	d.devices[view.ID] = view
	d.mu.Unlock()

	kind := interfaces.DeviceAdded
	if existed {
		kind = interfaces.DeviceChanged
	}
	d.notify(interfaces.DeviceNotification{Kind: kind, Device: view.ID})
}

// SetMountPoints replaces the device's mount points and notifies.
func (d *Directory) SetMountPoints(id interfaces.DeviceID, points []string) {
	d.mu.Lock()
	view, ok := d.devices[id]
	if ok {
		view.MountPoints = points
		d.devices[id] = view
	}
	d.mu.Unlock()

	if ok {
		d.notify(interfaces.DeviceNotification{Kind: interfaces.DeviceChanged, Device: id})
	}
}

// Remove deletes a device and notifies.
func (d *Directory) Remove(id interfaces.DeviceID) {
	d.mu.Lock()
	_, existed := d.devices[id]
	delete(d.devices, id)
	d.mu.Unlock()

	if existed {
		d.notify(interfaces.DeviceNotification{Kind: interfaces.DeviceRemoved, Device: id})
	}
}

// Touch emits a changed notification without altering properties.
func (d *Directory) Touch(id interfaces.DeviceID) {
	d.notify(interfaces.DeviceNotification{Kind: interfaces.DeviceChanged, Device: id})
}

func (d *Directory) notify(n interfaces.DeviceNotification) {
	select {
	case d.notifs <- n:
	default:
		d.log.Debug("dropping device notification, stream full", "kind", n.Kind, "device", n.Device)
	}
}
