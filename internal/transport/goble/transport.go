// Package goble implements the transport boundary on top of go-ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/curastack/medlink/internal/transport"
)

// Transport discovers peripherals through the host BLE stack.
type Transport struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// New creates a BLE transport. The underlying host device is opened lazily on
// the first Discover call.
func New(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)
	t.dev = dev
	return dev, nil
}

// Discover scans until an advertisement matches the filter, then returns an
// unconnected peripheral for it. ErrNoDevice is returned when the context
// expires without a match.
func (t *Transport) Discover(ctx context.Context, f transport.Filter) (transport.Peripheral, error) {
	dev, err := t.device()
	if err != nil {
		return nil, err
	}

	t.logger.WithFields(logrus.Fields{
		"filter":    transport.DescribeFilter(f),
		"device_id": f.DeviceID,
	}).Info("Starting discovery scan")

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		foundMu sync.Mutex
		found   *blePeripheral
	)

	err = dev.Scan(scanCtx, false, func(adv ble.Advertisement) {
		if !matchesFilter(adv, f) {
			return
		}
		foundMu.Lock()
		if found == nil {
			found = newPeripheral(adv.Addr().String(), adv.LocalName(), t.logger)
			cancel()
		}
		foundMu.Unlock()
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	foundMu.Lock()
	defer foundMu.Unlock()
	if found == nil {
		return nil, transport.ErrNoDevice
	}

	t.logger.WithFields(logrus.Fields{
		"address": found.ID(),
		"name":    found.Name(),
	}).Info("Discovered matching device")
	return found, nil
}

// matchesFilter applies the device-id and scoped-service constraints.
func matchesFilter(adv ble.Advertisement, f transport.Filter) bool {
	if f.DeviceID != "" && adv.Addr().String() != f.DeviceID {
		return false
	}

	if f.Scoped() {
		for _, required := range f.ServiceUUIDs {
			for _, advUUID := range adv.Services() {
				if transport.UUIDsEqual(required, advUUID.String()) {
					return true
				}
			}
		}
		return false
	}

	return true
}
