// Package adb bridges the coordinator's device transport to a local adb
// server via gadb.
package adb

import (
	"context"
	"strings"

	gadb "github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"

	dumpagent "github.com/qsmonitor/dumpagent"
)

// Transport implements dumpagent.Transport using gadb.
type Transport struct {
	client gadb.Client
}

// New creates a Transport backed by the given gadb client.
func New(client gadb.Client) *Transport {
	return &Transport{client: client}
}

// NewDefault creates a Transport using a default gadb client.
func NewDefault() (*Transport, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for transport")
	}
	return New(client), nil
}

// ListDevices returns all connected device serials.
func (t *Transport) ListDevices(ctx context.Context) ([]string, error) {
	if t == nil {
		return nil, errors.New("adb transport is nil")
	}
	return t.client.DeviceSerialList()
}

// ExecuteShell runs a shell command on the device with the given serial and
// returns the combined output.
func (t *Transport) ExecuteShell(ctx context.Context, serial, command string) (string, error) {
	if t == nil {
		return "", errors.New("adb transport is nil")
	}
	if strings.TrimSpace(command) == "" {
		return "", errors.New("adb transport: empty shell command")
	}
	devs, err := t.client.DeviceList()
	if err != nil {
		return "", errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d == nil {
			continue
		}
		if strings.TrimSpace(d.Serial()) == target {
			return d.RunShellCommand(command)
		}
	}
	return "", errors.Errorf("device %s not found", serial)
}

var _ dumpagent.Transport = (*Transport)(nil)
