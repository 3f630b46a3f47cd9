// Package configfile persists the device identity mo-local needs across
// restarts: an ECDH key pair and a device ID. In-band keyring updates are
// opened with the owner key, not with this key pair. The JSON read/write
// shape follows the teacher's metadata.json handling in internal/configfile;
// Save writes the file in place, with no temporary file or rename.
package configfile

import (
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the device identity file within the .mo-local directory.
const FileName = "device.json"

// DeviceIdentity is the on-disk representation of this device's ECDH key
// pair, generated once on first run and loaded again on later runs.
type DeviceIdentity struct {
	DeviceID   string `json:"device_id"`
	PrivateKey string `json:"private_key"` // base64 raw ECDH private scalar
}

// Path returns the device identity file path within dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Load reads and decodes the device identity from dir, returning
// (nil, nil) if the file does not exist — callers create one with
// Save on first run.
func Load(dir string) (*ecdh.PrivateKey, string, error) {
	data, err := os.ReadFile(Path(dir)) // #nosec G304 - controlled path from discovered config dir
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("read device identity: %w", err)
	}

	var identity DeviceIdentity
	if err := json.Unmarshal(data, &identity); err != nil {
		return nil, "", fmt.Errorf("parse device identity: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(identity.PrivateKey)
	if err != nil {
		return nil, "", fmt.Errorf("decode device private key: %w", err)
	}
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse device private key: %w", err)
	}
	return priv, identity.DeviceID, nil
}

// Save writes priv and deviceID to dir's device identity file.
func Save(dir, deviceID string, priv *ecdh.PrivateKey) error {
	identity := DeviceIdentity{
		DeviceID:   deviceID,
		PrivateKey: base64.StdEncoding.EncodeToString(priv.Bytes()),
	}
	data, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal device identity: %w", err)
	}
	if err := os.WriteFile(Path(dir), data, 0o600); err != nil {
		return fmt.Errorf("write device identity: %w", err)
	}
	return nil
}
