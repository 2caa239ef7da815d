package devicedir

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JingOS-team/storaged/interfaces"

	"github.com/shirou/gopsutil/v3/disk"
)

// Probe seeds a directory from the running host's mount table. Probed
// devices are plain volumes: encryption topology and drive relations are not
// derivable from mounts alone, so the probe is a dev/demo aid, not a
// replacement for a real device-management backend.
func Probe(ctx context.Context, log *slog.Logger) (*Directory, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("listing host partitions: %w", err)
	}

	dir := New(log)
	byDevice := make(map[interfaces.DeviceID]interfaces.DeviceView)
	for _, p := range partitions {
		if !strings.HasPrefix(p.Device, "/dev/") {
			continue
		}
		id := interfaces.DeviceID(p.Device)
		view, ok := byDevice[id]
		if !ok {
			view = interfaces.DeviceView{ID: id, FilesystemType: p.Fstype}
		}
		view.MountPoints = append(view.MountPoints, p.Mountpoint)
		byDevice[id] = view
	}

	for _, view := range byDevice {
		dir.SetDevice(view)
	}
	if log != nil {
		log.Info("probed host mounts", "devices", len(byDevice))
	}
	return dir, nil
}
