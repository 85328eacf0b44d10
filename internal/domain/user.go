// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	MaxDeviceIDLen   = 64
	MaxDeviceNameLen = 36
)

var (
	ErrDeviceNameTooLong = errors.New("device name too long")
	ErrDeviceNameEmpty   = errors.New("device name empty")
	ErrDeviceIDInvalid   = errors.New("device id invalid")
)

type DeviceID string

// Device is the local identity a process hosts or joins with.
type Device struct {
	ID   DeviceID `json:"id"`
	Name string   `json:"name"`
}

// NewDevice is a tiny helper to avoid ad-hoc struct literals in adapters.
// An empty id gets a fresh uuid.
func NewDevice(id DeviceID, name string) (*Device, error) {
	if id == "" {
		id = DeviceID(uuid.NewString())
	}
	if len(id) > MaxDeviceIDLen {
		return nil, ErrDeviceIDInvalid
	}
	d := &Device{ID: id}
	if err := d.SetName(name); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) SetName(name string) error {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return ErrDeviceNameEmpty
	}
	if len(name) > MaxDeviceNameLen {
		return ErrDeviceNameTooLong
	}
	d.Name = name
	return nil
}
