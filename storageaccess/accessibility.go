package storageaccess

import (
	"context"
	"fmt"

	"github.com/JingOS-team/storaged/interfaces"
)

// ResolveCleartext finds the cleartext view of an encrypted container: the
// device whose BackingDevice refers to id. A zero return with a nil error is
// the normal "no cleartext view" outcome, not a failure. Candidates that
// disappear mid-scan are skipped.
func ResolveCleartext(ctx context.Context, dir interfaces.DeviceDirectory, id interfaces.DeviceID) (interfaces.DeviceID, error) {
	ids, err := dir.ListDevices(ctx)
	if err != nil {
		return "", fmt.Errorf("enumerating devices: %w", err)
	}

	for _, cand := range ids {
		if cand == id {
			continue
		}
		view, err := dir.Device(ctx, cand)
		if err != nil {
			continue
		}
		if view.BackingDevice == id {
			return cand, nil
		}
	}
	return "", nil
}

// Accessible reports whether the device's data is currently reachable
// through a mounted filesystem path. A plain device is accessible when it
// has at least one mount point; an encrypted container is accessible when
// it has a cleartext view and that view is mounted.
func Accessible(ctx context.Context, dir interfaces.DeviceDirectory, id interfaces.DeviceID) (bool, error) {
	view, err := dir.Device(ctx, id)
	if err != nil {
		return false, err
	}

	if !view.IsEncryptedContainer {
		return view.IsMounted(), nil
	}

	ct, err := ResolveCleartext(ctx, dir, id)
	if err != nil || ct.IsZero() {
		return false, err
	}
	ctView, err := dir.Device(ctx, ct)
	if err != nil {
		return false, err
	}
	return ctView.IsMounted(), nil
}

// MountPath returns the preferred (shortest) mount point of the device, or
// of its cleartext view for an encrypted container. Empty when the device is
// not accessible.
func MountPath(ctx context.Context, dir interfaces.DeviceDirectory, id interfaces.DeviceID) (string, error) {
	view, err := dir.Device(ctx, id)
	if err != nil {
		return "", err
	}

	if view.IsEncryptedContainer {
		ct, err := ResolveCleartext(ctx, dir, id)
		if err != nil || ct.IsZero() {
			return "", err
		}
		view, err = dir.Device(ctx, ct)
		if err != nil {
			return "", err
		}
	}
	return view.PreferredMountPoint(), nil
}
