package credentials

import (
	"context"
	"log/slog"

	"github.com/JingOS-team/storaged/interfaces"
)

// Chain composes credential sources, first hit wins. Lookup errors from an
// individual source are logged and the next source is tried, so one
// unreachable store does not block unlocking. Store writes to the first
// source only.
type Chain struct {
	sources []interfaces.CredentialSource
	log     *slog.Logger
}

// NewChain creates a chain over the given sources.
func NewChain(log *slog.Logger, sources ...interfaces.CredentialSource) *Chain {
	if log == nil {
		log = slog.Default()
	}
	return &Chain{sources: sources, log: log}
}

// Lookup tries each source in order.
func (c *Chain) Lookup(ctx context.Context, device interfaces.DeviceID) (string, bool, error) {
	for _, src := range c.sources {
		passphrase, found, err := src.Lookup(ctx, device)
		if err != nil {
			c.log.Warn("credential source lookup failed", "device", device, "err", err)
			continue
		}
		if found {
			return passphrase, true, nil
		}
	}
	return "", false, nil
}

// Store writes to the first source.
func (c *Chain) Store(ctx context.Context, device interfaces.DeviceID, passphrase string) error {
	if len(c.sources) == 0 {
		return nil
	}
	return c.sources[0].Store(ctx, device, passphrase)
}
