// Package transport defines the boundary to the host wireless stack.
//
// The acquisition pipeline never talks to a BLE library directly; it consumes
// these interfaces so that sessions and orchestration can be exercised against
// scripted peripherals in tests. The production implementation lives in the
// goble subpackage.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Filter scopes a discovery request.
//
// A scoped request (ServiceUUIDs set, AcceptAll false) only matches devices
// advertising one of the listed services. Real devices do not always advertise
// the expected service ahead of link time, so callers retry with AcceptAll set
// and the known UUIDs moved to OptionalServiceUUIDs.
type Filter struct {
	DeviceID             string   // exact device address/identifier; empty matches any
	ServiceUUIDs         []string // required advertised services for a scoped request
	OptionalServiceUUIDs []string // hint only, never used for matching
	AcceptAll            bool     // unscoped "any nearby device" mode
}

// Scoped reports whether the filter requires an advertised service match.
func (f Filter) Scoped() bool {
	return !f.AcceptAll && len(f.ServiceUUIDs) > 0
}

// Transport discovers peripherals on the host wireless stack.
type Transport interface {
	// Discover scans until a peripheral matching the filter is found or ctx
	// expires. The returned peripheral is not yet connected.
	Discover(ctx context.Context, f Filter) (Peripheral, error)
}

// Peripheral is one remote device. A peripheral handle is exclusively owned by
// the session that obtained it; nothing else may subscribe to it or close it.
type Peripheral interface {
	ID() string
	Name() string

	// Connect establishes the link and resolves the GATT profile.
	Connect(ctx context.Context) error

	// Services returns the resolved services. Only valid after Connect.
	Services() []Service

	// Subscribe registers fn for value-change notifications on c. The payload
	// slice passed to fn is only valid for the duration of the call; fn must
	// copy it if it needs to retain it.
	Subscribe(c Characteristic, fn func(payload []byte)) error
	Unsubscribe(c Characteristic) error

	// Disconnected is closed when the link drops, solicited or not.
	Disconnected() <-chan struct{}

	// Close releases the link. Safe to call on an unconnected or already
	// closed peripheral.
	Close() error
}

// Service is a resolved GATT service.
type Service interface {
	UUID() string
	Characteristics() []Characteristic
}

// Characteristic is a resolved GATT characteristic.
type Characteristic interface {
	UUID() string
	// Notifiable reports notify or indicate support.
	Notifiable() bool
}

// ErrNoDevice is returned by Discover when nothing matched before the context
// expired.
var ErrNoDevice = errors.New("no matching device found")

// NormalizeUUID converts a UUID string to the canonical lookup form used
// throughout the pipeline (lowercase, no dashes). Full 128-bit UUIDs in the
// Bluetooth SIG base range are reduced to their 16-bit short form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
	u = strings.TrimPrefix(u, "0x")
	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, "00001000800000805f9b34fb") {
		return u[4:8]
	}
	return u
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// UUIDsEqual compares two UUID strings after normalization.
func UUIDsEqual(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// ShortenUUID truncates long UUIDs for display.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ContainsUUID reports whether list contains uuid, comparing normalized forms.
func ContainsUUID(list []string, uuid string) bool {
	n := NormalizeUUID(uuid)
	for _, u := range list {
		if NormalizeUUID(u) == n {
			return true
		}
	}
	return false
}

// DescribeFilter renders a filter for log fields.
func DescribeFilter(f Filter) string {
	switch {
	case f.Scoped():
		return fmt.Sprintf("scoped[%s]", strings.Join(f.ServiceUUIDs, ","))
	case f.DeviceID != "":
		return fmt.Sprintf("device[%s]", f.DeviceID)
	default:
		return "accept-all"
	}
}
