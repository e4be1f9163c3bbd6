// Package scanner surveys nearby advertising devices so operators can find
// the address of a meter before registering it.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/curastack/medlink/internal/ringchan"
	"github.com/curastack/medlink/internal/transport"
	"github.com/curastack/medlink/internal/transport/goble"
)

// ProgressCallback is called when the scan phase changes.
type ProgressCallback func(phase string)

// DeviceEventType marks if the device was newly discovered or updated.
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

// DeviceEvent is emitted for every advertisement that passes the filters. The
// Device field is a snapshot taken at emission time.
type DeviceEvent struct {
	Type   DeviceEventType
	Device DeviceInfo
}

// DeviceInfo is the accumulated view of one advertising device.
type DeviceInfo struct {
	ID           string
	Name         string
	RSSI         int
	Connectable  bool
	ServiceUUIDs []string
	LastSeen     time.Time
	AdvCount     int
}

// AdvertisesAny reports whether the device advertised one of the given
// service UUIDs.
func (d DeviceInfo) AdvertisesAny(uuids []string) bool {
	for _, u := range d.ServiceUUIDs {
		if transport.ContainsUUID(uuids, u) {
			return true
		}
	}
	return false
}

// trackedDevice guards the accumulated state of one device; advertisement
// callbacks and event consumers touch it concurrently.
type trackedDevice struct {
	mu   sync.Mutex
	info DeviceInfo
}

func newTrackedDevice(adv blelib.Advertisement) *trackedDevice {
	t := &trackedDevice{info: DeviceInfo{ID: adv.Addr().String()}}
	t.update(adv)
	return t
}

func (t *trackedDevice) update(adv blelib.Advertisement) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if name := adv.LocalName(); name != "" {
		t.info.Name = name
	}
	t.info.RSSI = adv.RSSI()
	t.info.Connectable = adv.Connectable()
	for _, u := range adv.Services() {
		norm := transport.NormalizeUUID(u.String())
		if !transport.ContainsUUID(t.info.ServiceUUIDs, norm) {
			t.info.ServiceUUIDs = append(t.info.ServiceUUIDs, norm)
		}
	}
	t.info.LastSeen = time.Now()
	t.info.AdvCount++
}

// Snapshot returns a copy safe to read after the scan finishes.
func (t *trackedDevice) Snapshot() DeviceInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.info
	out.ServiceUUIDs = append([]string(nil), t.info.ServiceUUIDs...)
	return out
}

// ScanOptions configures scanning behavior.
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool
	// ServiceUUIDs keeps only devices advertising at least one of these.
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns default scanning options.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
	}
}

// Scanner handles advertisement discovery.
type Scanner struct {
	devices *hashmap.Map[string, *trackedDevice]
	events  *ringchan.RingChannel[DeviceEvent]
	logger  *logrus.Logger

	scanOptions *ScanOptions
}

// NewScanner creates a scanner.
func NewScanner(logger *logrus.Logger) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}

	return &Scanner{
		events: ringchan.New[DeviceEvent](100),
		logger: logger,
	}, nil
}

// Scan listens for advertisements for the configured duration and returns
// everything that passed the filters, keyed by device address.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions, progressCallback ProgressCallback) (map[string]DeviceInfo, error) {
	s.devices = hashmap.New[string, *trackedDevice]()

	if opts == nil {
		opts = DefaultScanOptions()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}
	opts.ServiceUUIDs = transport.NormalizeUUIDs(opts.ServiceUUIDs)

	s.logger.WithField("duration", opts.Duration).Info("Starting scan...")
	progressCallback("Scanning")

	dev, err := goble.DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to open adapter: %w", err)
	}
	blelib.SetDefaultDevice(dev)

	scanCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	s.scanOptions = opts
	defer func() { s.scanOptions = nil }()
	err = dev.Scan(scanCtx, opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("Scan completed")
	progressCallback("Processing results")

	devices := make(map[string]DeviceInfo, s.devices.Len())
	s.devices.Range(func(key string, value *trackedDevice) bool {
		devices[key] = value.Snapshot()
		return true
	})

	return devices, nil
}

// handleAdvertisement updates existing or adds a new device.
func (s *Scanner) handleAdvertisement(adv blelib.Advertisement) {
	deviceID := adv.Addr().String()

	tracked, existing := s.devices.Get(deviceID)
	if !existing {
		if !s.shouldIncludeDevice(adv, s.scanOptions) {
			return
		}
		tracked, existing = s.devices.GetOrInsert(deviceID, newTrackedDevice(adv))
	}

	event := DeviceEvent{}

	if existing {
		tracked.update(adv)
		event.Type = EventUpdated
	} else {
		snap := tracked.Snapshot()
		s.logger.WithFields(logrus.Fields{
			"device":  snap.Name,
			"address": snap.ID,
			"rssi":    snap.RSSI,
		}).Info("Discovered new device")
		event.Type = EventNew
	}
	event.Device = tracked.Snapshot()

	s.events.Send(event)
}

// shouldIncludeDevice applies the allow/block/service filters.
func (s *Scanner) shouldIncludeDevice(adv blelib.Advertisement, opts *ScanOptions) bool {
	addr := adv.Addr().String()

	for _, blocked := range opts.BlockList {
		if addr == blocked {
			return false
		}
	}

	if len(opts.AllowList) > 0 {
		allowed := false
		for _, a := range opts.AllowList {
			if addr == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(opts.ServiceUUIDs) > 0 {
		hasRequired := false
		for _, advUUID := range adv.Services() {
			if transport.ContainsUUID(opts.ServiceUUIDs, transport.NormalizeUUID(advUUID.String())) {
				hasRequired = true
				break
			}
		}
		if !hasRequired {
			return false
		}
	}

	return true
}

// Events returns a read-only channel of device events.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}
