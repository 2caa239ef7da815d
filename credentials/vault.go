package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/JingOS-team/storaged/interfaces"

	vault "github.com/hashicorp/vault/api"
)

// passphraseField is the KV field the passphrase is stored under.
const passphraseField = "passphrase"

// VaultSource stores per-device passphrases in a HashiCorp Vault KV v2
// mount, one secret per device.
type VaultSource struct {
	client    *vault.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultSource creates a source backed by the Vault server at address.
// token may be empty when the environment supplies one (VAULT_TOKEN).
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token, optional
//   - mountPath: KV v2 mount (e.g. "secret")
//   - dataPath: path prefix within the mount (e.g. "storaged")
func NewVaultSource(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultSource, error) {
	if log == nil {
		log = slog.Default()
	}

	config := vault.DefaultConfig()
	config.Address = address
	config.Timeout = 15 * time.Second

	client, err := vault.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("creating Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultSource{
		client:    client,
		mountPath: strings.TrimSuffix(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		log:       log,
	}, nil
}

// Lookup reads the device's secret; a missing secret is a normal miss.
func (v *VaultSource) Lookup(ctx context.Context, device interfaces.DeviceID) (string, bool, error) {
	secret, err := v.client.KVv2(v.mountPath).Get(ctx, v.secretPath(device))
	if errors.Is(err, vault.ErrSecretNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading Vault secret: %w", err)
	}

	passphrase, ok := secret.Data[passphraseField].(string)
	if !ok || passphrase == "" {
		v.log.Warn("Vault secret has no passphrase field", "device", device)
		return "", false, nil
	}
	return passphrase, true, nil
}

// Store writes the device's secret.
func (v *VaultSource) Store(ctx context.Context, device interfaces.DeviceID, passphrase string) error {
	_, err := v.client.KVv2(v.mountPath).Put(ctx, v.secretPath(device), map[string]interface{}{
		passphraseField: passphrase,
	})
	if err != nil {
		return fmt.Errorf("writing Vault secret: %w", err)
	}
	return nil
}

func (v *VaultSource) secretPath(device interfaces.DeviceID) string {
	return v.dataPath + "/" + url.PathEscape(device.String())
}
