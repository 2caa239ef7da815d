package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/JingOS-team/storaged/interfaces"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for the keystore key derivation.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrKeystoreCorrupt is returned when a sealed record cannot be opened with
// the configured secret.
var ErrKeystoreCorrupt = errors.New("keystore record cannot be opened, wrong secret or corrupt file")

type keystoreFile struct {
	Salt    string            `json:"salt"`
	Entries map[string]string `json:"entries"`
}

// Keystore is a file-backed credential source. Each passphrase is sealed
// with a key derived from the keystore secret via scrypt; the file itself
// carries only the salt and the sealed records.
type Keystore struct {
	path   string
	secret []byte

	mu sync.Mutex
}

// NewKeystore creates a keystore persisted at path and sealed with secret.
// The file is created lazily on the first Store.
func NewKeystore(path string, secret []byte) (*Keystore, error) {
	if path == "" {
		return nil, errors.New("keystore path is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("keystore secret is required")
	}
	return &Keystore{path: path, secret: secret}, nil
}

// Lookup opens the sealed record for the device, if present.
func (k *Keystore) Lookup(_ context.Context, device interfaces.DeviceID) (string, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	file, err := k.load()
	if err != nil {
		return "", false, err
	}
	sealed, ok := file.Entries[device.String()]
	if !ok {
		return "", false, nil
	}

	key, err := k.deriveKey(file.Salt)
	if err != nil {
		return "", false, err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < 24 {
		return "", false, ErrKeystoreCorrupt
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	plain, ok := secretbox.Open(nil, raw[24:], &nonce, key)
	if !ok {
		return "", false, ErrKeystoreCorrupt
	}
	return string(plain), true, nil
}

// Store seals the passphrase for the device and persists the file with 0600
// permissions.
func (k *Keystore) Store(_ context.Context, device interfaces.DeviceID, passphrase string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	file, err := k.load()
	if err != nil {
		return err
	}
	if file.Salt == "" {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generating keystore salt: %w", err)
		}
		file.Salt = base64.StdEncoding.EncodeToString(salt)
	}

	key, err := k.deriveKey(file.Salt)
	if err != nil {
		return err
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(passphrase), &nonce, key)
	file.Entries[device.String()] = base64.StdEncoding.EncodeToString(sealed)

	return k.save(file)
}

// Delete removes the record for the device, if any.
func (k *Keystore) Delete(device interfaces.DeviceID) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	file, err := k.load()
	if err != nil {
		return err
	}
	if _, ok := file.Entries[device.String()]; !ok {
		return nil
	}
	delete(file.Entries, device.String())
	return k.save(file)
}

func (k *Keystore) deriveKey(saltB64 string) (*[32]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return nil, fmt.Errorf("decoding keystore salt: %w", err)
	}
	raw, err := scrypt.Key(k.secret, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("deriving keystore key: %w", err)
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

func (k *Keystore) load() (*keystoreFile, error) {
	data, err := os.ReadFile(k.path)
	if errors.Is(err, os.ErrNotExist) {
		return &keystoreFile{Entries: make(map[string]string)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing keystore: %w", err)
	}
	if file.Entries == nil {
		file.Entries = make(map[string]string)
	}
	return &file, nil
}

func (k *Keystore) save(file *keystoreFile) error {
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding keystore: %w", err)
	}

	tmp := k.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(k.path), 0o700); err != nil {
		return fmt.Errorf("creating keystore directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing keystore: %w", err)
	}
	if err := os.Rename(tmp, k.path); err != nil {
		return fmt.Errorf("replacing keystore: %w", err)
	}
	return nil
}
