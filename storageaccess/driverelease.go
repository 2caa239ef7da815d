package storageaccess

import (
	"context"
	"log/slog"

	"github.com/JingOS-team/storaged/interfaces"
)

// releaseDrive safely removes the parent drive of a just-unmounted volume:
// eject for removable media with media present, power-off for drives that
// support it. Optical drives are skipped; they have their own eject button,
// and powering them off would disconnect them from the bus.
//
// The whole step is a courtesy. It never gates the teardown result; a
// missing drive relation is silently skipped and call failures are only
// logged.
func releaseDrive(ctx context.Context, dir interfaces.DeviceDirectory, gw interfaces.Gateway, self interfaces.DeviceView, log *slog.Logger) {
	if self.Drive.IsZero() {
		return
	}

	drive, err := dir.Device(ctx, self.Drive)
	if err != nil {
		log.Debug("drive lookup failed, skipping safe removal", "drive", self.Drive, "err", err)
		return
	}

	var op interfaces.Operation
	switch {
	case self.IsOpticalDisc:
		return
	case drive.MediaRemovable && drive.MediaAvailable:
		op = interfaces.OpEject
	case drive.CanPowerOff:
		op = interfaces.OpPowerOff
	default:
		return
	}

	log.Debug("releasing drive", "drive", self.Drive, "op", op)
	results := gw.Call(ctx, interfaces.Request{Target: self.Drive, Op: op})
	select {
	case err := <-results:
		if err != nil {
			log.Warn("drive release failed", "drive", self.Drive, "op", op, "err", err)
		}
	case <-ctx.Done():
	}
}
