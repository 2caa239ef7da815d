package udisks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/JingOS-team/storaged/interfaces"

	"github.com/godbus/dbus/v5"
)

// Directory implements interfaces.DeviceDirectory over the UDisks2 D-Bus
// object tree. Property snapshots are cached per object and invalidated on
// PropertiesChanged and object lifecycle signals.
type Directory struct {
	conn *dbus.Conn
	log  *slog.Logger

	mu     sync.Mutex
	cache  map[interfaces.DeviceID]interfaces.DeviceView
	notifs chan interfaces.DeviceNotification

	signals chan *dbus.Signal
}

// NewDirectory creates a directory on an established system bus connection
// and subscribes to the UDisks2 change signals. Run must be started for
// notifications and cache invalidation to work.
func NewDirectory(conn *dbus.Conn, log *slog.Logger) (*Directory, error) {
	if log == nil {
		log = slog.Default()
	}

	d := &Directory{
		conn:    conn,
		log:     log,
		cache:   make(map[interfaces.DeviceID]interfaces.DeviceView),
		notifs:  make(chan interfaces.DeviceNotification, 64),
		signals: make(chan *dbus.Signal, 64),
	}

	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchInterface(ifaceProperties),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace(basePath),
		},
		{
			dbus.WithMatchInterface(ifaceObjectManager),
			dbus.WithMatchMember("InterfacesAdded"),
		},
		{
			dbus.WithMatchInterface(ifaceObjectManager),
			dbus.WithMatchMember("InterfacesRemoved"),
		},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			return nil, fmt.Errorf("subscribing to UDisks2 signals: %w", err)
		}
	}
	conn.Signal(d.signals)
	return d, nil
}

// Run translates bus signals into directory notifications until ctx is
// cancelled.
func (d *Directory) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-d.signals:
			if !ok {
				return nil
			}
			d.handleSignal(sig)
		}
	}
}

func (d *Directory) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case ifaceProperties + ".PropertiesChanged":
		id := interfaces.DeviceID(sig.Path)
		if !d.isManaged(id) {
			return
		}
		d.Invalidate(id)
		d.notify(interfaces.DeviceNotification{Kind: interfaces.DeviceChanged, Device: id})

	case ifaceObjectManager + ".InterfacesAdded":
		if len(sig.Body) < 1 {
			return
		}
		id := objectPathToID(sig.Body[0])
		if id.IsZero() || !d.isManaged(id) {
			return
		}
		d.Invalidate(id)
		d.notify(interfaces.DeviceNotification{Kind: interfaces.DeviceAdded, Device: id})

	case ifaceObjectManager + ".InterfacesRemoved":
		if len(sig.Body) < 1 {
			return
		}
		id := objectPathToID(sig.Body[0])
		if id.IsZero() || !d.isManaged(id) {
			return
		}
		d.Invalidate(id)
		d.notify(interfaces.DeviceNotification{Kind: interfaces.DeviceRemoved, Device: id})
	}
}

func (d *Directory) isManaged(id interfaces.DeviceID) bool {
	return strings.HasPrefix(id.String(), blockPrefix) || strings.HasPrefix(id.String(), drivePrefix)
}

// Device returns the property snapshot for id, served from the cache when
// fresh.
func (d *Directory) Device(ctx context.Context, id interfaces.DeviceID) (interfaces.DeviceView, error) {
	d.mu.Lock()
	if view, ok := d.cache[id]; ok {
		d.mu.Unlock()
		return view, nil
	}
	d.mu.Unlock()

	var view interfaces.DeviceView
	var err error
	if strings.HasPrefix(id.String(), drivePrefix) {
		view, err = d.fetchDrive(ctx, id)
	} else {
		view, err = d.fetchBlock(ctx, id)
	}
	if err != nil {
		return interfaces.DeviceView{}, err
	}

	d.mu.Lock()
	d.cache[id] = view
	d.mu.Unlock()
	return view, nil
}

// ListDevices enumerates the block devices known to UDisks2.
func (d *Directory) ListDevices(ctx context.Context) ([]interfaces.DeviceID, error) {
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	obj := d.conn.Object(Service, basePath)
	err := obj.CallWithContext(ctx, ifaceObjectManager+".GetManagedObjects", 0).Store(&managed)
	if err != nil {
		return nil, fmt.Errorf("listing UDisks2 objects: %w", err)
	}

	ids := make([]interfaces.DeviceID, 0, len(managed))
	for path := range managed {
		if strings.HasPrefix(string(path), blockPrefix) {
			ids = append(ids, interfaces.DeviceID(path))
		}
	}
	return ids, nil
}

// Invalidate drops the cached snapshot for id.
func (d *Directory) Invalidate(id interfaces.DeviceID) {
	d.mu.Lock()
	delete(d.cache, id)
	d.mu.Unlock()
}

// Notifications returns the stream of directory change notifications.
func (d *Directory) Notifications() <-chan interfaces.DeviceNotification {
	return d.notifs
}

func (d *Directory) notify(n interfaces.DeviceNotification) {
	select {
	case d.notifs <- n:
	default:
		d.log.Debug("dropping device notification, stream full", "kind", n.Kind, "device", n.Device)
	}
}

func (d *Directory) fetchBlock(ctx context.Context, id interfaces.DeviceID) (interfaces.DeviceView, error) {
	obj := d.conn.Object(Service, dbus.ObjectPath(id))

	block, err := d.getAll(ctx, obj, ifaceBlock)
	if err != nil {
		return interfaces.DeviceView{}, fmt.Errorf("device %q: %w", id, err)
	}

	view := interfaces.DeviceView{ID: id}
	view.FilesystemType, _ = variantValue(block, "IdType").(string)
	view.BackingDevice = objectPathToID(variantValue(block, "CryptoBackingDevice"))
	view.Drive = objectPathToID(variantValue(block, "Drive"))

	usage, _ := variantValue(block, "IdUsage").(string)
	view.IsEncryptedContainer = usage == "crypto"

	// Filesystem properties exist only once the device carries a mounted
	// or mountable filesystem.
	if fs, err := d.getAll(ctx, obj, ifaceFilesystem); err == nil {
		view.MountPoints = decodeMountPoints(variantValue(fs, "MountPoints"))
	}

	if !view.Drive.IsZero() {
		driveObj := d.conn.Object(Service, dbus.ObjectPath(view.Drive))
		if optical, err := driveObj.GetProperty(ifaceDrive + ".Optical"); err == nil {
			view.IsOpticalDisc, _ = optical.Value().(bool)
		}
	}
	return view, nil
}

func (d *Directory) fetchDrive(ctx context.Context, id interfaces.DeviceID) (interfaces.DeviceView, error) {
	obj := d.conn.Object(Service, dbus.ObjectPath(id))
	props, err := d.getAll(ctx, obj, ifaceDrive)
	if err != nil {
		return interfaces.DeviceView{}, fmt.Errorf("drive %q: %w", id, err)
	}

	view := interfaces.DeviceView{ID: id}
	view.MediaRemovable, _ = variantValue(props, "MediaRemovable").(bool)
	view.MediaAvailable, _ = variantValue(props, "MediaAvailable").(bool)
	view.CanPowerOff, _ = variantValue(props, "CanPowerOff").(bool)
	view.IsOpticalDisc, _ = variantValue(props, "Optical").(bool)
	return view, nil
}

func (d *Directory) getAll(ctx context.Context, obj dbus.BusObject, iface string) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	err := obj.CallWithContext(ctx, ifaceProperties+".GetAll", 0, iface).Store(&props)
	if err != nil {
		return nil, err
	}
	return props, nil
}

func variantValue(props map[string]dbus.Variant, key string) interface{} {
	v, ok := props[key]
	if !ok {
		return nil
	}
	return v.Value()
}
