package interfaces

import (
	"context"
)

// DeviceID is the stable, unique identifier of a device known to the device
// directory. The zero value means "no device"; in particular a zero
// BackingDevice or Drive reference means the relation is absent. A device
// mounted at "/" is a legitimate mount point and carries no special meaning.
type DeviceID string

// IsZero reports whether the id refers to no device.
func (id DeviceID) IsZero() bool {
	return id == ""
}

// String returns the raw device id.
func (id DeviceID) String() string {
	return string(id)
}

// DeviceView is a read-only snapshot of a device's properties at the time it
// was fetched from the directory. Views are value types; a view does not
// track later property changes.
type DeviceView struct {
	ID DeviceID

	// MountPoints lists the filesystem paths the device is mounted at, in
	// the order reported by the external store. Empty when not mounted.
	MountPoints []string

	// FilesystemType is the filesystem type hint ("vfat", "ext4", ...).
	// Empty when unknown.
	FilesystemType string

	// IsEncryptedContainer reports whether the device is an encrypted
	// container that must be unlocked before its contents can be mounted.
	IsEncryptedContainer bool

	// BackingDevice is set only when this device is the cleartext view of
	// an encrypted container, and refers to that container.
	BackingDevice DeviceID

	// Drive refers to the parent drive (e.g. the card reader holding an SD
	// card). Zero when the device has no drive relation.
	Drive DeviceID

	// IsOpticalDisc reports whether the device is an optical disc.
	IsOpticalDisc bool

	// MediaRemovable, MediaAvailable and CanPowerOff describe the drive
	// side of a view and are meaningful when the view was fetched for a
	// drive id.
	MediaRemovable bool
	MediaAvailable bool
	CanPowerOff    bool
}

// IsMounted reports whether the device has at least one mount point.
func (v DeviceView) IsMounted() bool {
	return len(v.MountPoints) > 0
}

// PreferredMountPoint returns the shortest mount point, or "" when the
// device is not mounted. The shortest path is preferred so that callers do
// not resolve through bind-mount aliases with longer paths.
func (v DeviceView) PreferredMountPoint() string {
	if len(v.MountPoints) == 0 {
		return ""
	}
	shortest := v.MountPoints[0]
	for _, p := range v.MountPoints[1:] {
		if len(p) < len(shortest) {
			shortest = p
		}
	}
	return shortest
}

// NotificationKind discriminates directory change notifications.
type NotificationKind int

const (
	// DeviceAdded signals a device newly known to the directory.
	DeviceAdded NotificationKind = iota
	// DeviceRemoved signals a device no longer known to the directory.
	DeviceRemoved
	// DeviceChanged signals that one or more properties of a device
	// changed and cached views are stale.
	DeviceChanged
)

// String returns the notification kind name.
func (k NotificationKind) String() string {
	switch k {
	case DeviceAdded:
		return "added"
	case DeviceRemoved:
		return "removed"
	case DeviceChanged:
		return "changed"
	default:
		return "unknown"
	}
}

// DeviceNotification is delivered on the directory's notification stream.
type DeviceNotification struct {
	Kind   NotificationKind
	Device DeviceID
}

// DeviceDirectory provides typed access to device properties kept by the
// external device-management service.
//
// Property snapshots may be served from a cache; Invalidate drops the cached
// snapshot for a device so the next Device call re-fetches. Callers that just
// completed an operation which could have altered properties must invalidate
// before re-reading.
type DeviceDirectory interface {
	// Device returns the current property snapshot for id.
	Device(ctx context.Context, id DeviceID) (DeviceView, error)

	// ListDevices enumerates the ids of all devices currently known.
	ListDevices(ctx context.Context) ([]DeviceID, error)

	// Invalidate drops any cached properties for id.
	Invalidate(id DeviceID)

	// Notifications returns the stream of directory change notifications.
	// The stream is shared by all callers of the same directory.
	Notifications() <-chan DeviceNotification
}
