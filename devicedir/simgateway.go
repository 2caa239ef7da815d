package devicedir

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/JingOS-team/storaged/interfaces"

	"github.com/google/uuid"
)

// SimGateway implements interfaces.Gateway against a Directory, applying
// each operation the way the real device-management service would: mount
// sets a mount point, unlock materializes a cleartext view device, lock
// removes it again. It backs the daemon's memory mode and integration-style
// tests.
type SimGateway struct {
	dir *Directory
	log *slog.Logger

	// MountRoot is the directory simulated mount points are placed under.
	MountRoot string
}

// NewSimGateway creates a gateway operating on dir.
func NewSimGateway(dir *Directory, log *slog.Logger) *SimGateway {
	if log == nil {
		log = slog.Default()
	}
	return &SimGateway{dir: dir, log: log, MountRoot: "/run/storaged"}
}

// Call applies the operation and resolves the returned channel immediately.
func (g *SimGateway) Call(ctx context.Context, req interfaces.Request) <-chan error {
	results := make(chan error, 1)
	results <- g.apply(ctx, req)
	return results
}

func (g *SimGateway) apply(ctx context.Context, req interfaces.Request) error {
	view, err := g.dir.Device(ctx, req.Target)
	if err != nil {
		return &interfaces.ServiceError{
			Name:    "org.freedesktop.UDisks2.Error.Failed",
			Message: err.Error(),
		}
	}

	switch req.Op {
	case interfaces.OpMount:
		if view.IsMounted() {
			return &interfaces.ServiceError{
				Name:    "org.freedesktop.UDisks2.Error.AlreadyMounted",
				Message: fmt.Sprintf("%s is already mounted", req.Target),
			}
		}
		g.dir.SetMountPoints(req.Target, []string{path.Join(g.MountRoot, path.Base(string(req.Target)))})
		return nil

	case interfaces.OpUnmount:
		if !view.IsMounted() {
			return &interfaces.ServiceError{
				Name:    "org.freedesktop.UDisks2.Error.NotMounted",
				Message: fmt.Sprintf("%s is not mounted", req.Target),
			}
		}
		g.dir.SetMountPoints(req.Target, nil)
		return nil

	case interfaces.OpUnlock:
		if !view.IsEncryptedContainer {
			return &interfaces.ServiceError{
				Name:    "org.freedesktop.UDisks2.Error.Failed",
				Message: fmt.Sprintf("%s is not an encrypted container", req.Target),
			}
		}
		if req.Passphrase == "" {
			return &interfaces.ServiceError{
				Name:    "org.freedesktop.UDisks2.Error.Failed",
				Message: "no passphrase supplied",
			}
		}
		name := "dm-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		g.dir.SetDevice(interfaces.DeviceView{
			ID:            interfaces.DeviceID(path.Join(path.Dir(string(req.Target)), name)),
			BackingDevice: req.Target,
			Drive:         view.Drive,
		})
		return nil

	case interfaces.OpLock:
		ct, err := g.cleartextOf(ctx, req.Target)
		if err != nil {
			return err
		}
		if ct.IsZero() {
			return &interfaces.ServiceError{
				Name:    "org.freedesktop.UDisks2.Error.Failed",
				Message: fmt.Sprintf("%s is not unlocked", req.Target),
			}
		}
		g.dir.Remove(ct)
		return nil

	case interfaces.OpEject, interfaces.OpPowerOff:
		g.log.Debug("simulated drive release", "op", req.Op, "target", req.Target)
		return nil

	default:
		return &interfaces.ServiceError{
			Name:    "org.freedesktop.UDisks2.Error.NotSupported",
			Message: fmt.Sprintf("unknown operation %q", req.Op),
		}
	}
}

func (g *SimGateway) cleartextOf(ctx context.Context, id interfaces.DeviceID) (interfaces.DeviceID, error) {
	ids, err := g.dir.ListDevices(ctx)
	if err != nil {
		return "", err
	}
	for _, cand := range ids {
		view, err := g.dir.Device(ctx, cand)
		if err != nil {
			continue
		}
		if view.BackingDevice == id {
			return cand, nil
		}
	}
	return "", nil
}
