package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/dkeye/Party/internal/domain"
)

const (
	// DeviceDir is created under the user's home directory.
	DeviceDir    = ".party"
	DeviceIDFile = "device_id"
)

// DeviceIDPath is ~/.party/device_id.
func DeviceIDPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DeviceDir, DeviceIDFile), nil
}

// LoadOrCreateDeviceID returns the id stored at path, writing a fresh uuid
// there first when the file is missing or empty.
func LoadOrCreateDeviceID(path string) (domain.DeviceID, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return domain.DeviceID(id), nil
		}
	}

	id := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", err
	}
	return domain.DeviceID(id), nil
}

// Device resolves the local identity: configured id or the persisted one,
// configured name or the hostname.
func (c *Config) Device() (*domain.Device, error) {
	id := domain.DeviceID(c.DeviceID)
	if id == "" {
		path, err := DeviceIDPath()
		if err != nil {
			return nil, err
		}
		if id, err = LoadOrCreateDeviceID(path); err != nil {
			return nil, err
		}
	}

	name := c.DeviceName
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		}
	}
	if len(name) > domain.MaxDeviceNameLen {
		name = name[:domain.MaxDeviceNameLen]
	}
	return domain.NewDevice(id, name)
}
