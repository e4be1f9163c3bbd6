package scanner

import (
	"testing"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAddr string

func (a fakeAddr) String() string { return string(a) }

// fakeAdv implements ble.Advertisement without an adapter.
type fakeAdv struct {
	addr        string
	name        string
	rssi        int
	connectable bool
	services    []blelib.UUID
}

func (a *fakeAdv) LocalName() string                 { return a.name }
func (a *fakeAdv) ManufacturerData() []byte          { return nil }
func (a *fakeAdv) ServiceData() []blelib.ServiceData { return nil }
func (a *fakeAdv) Services() []blelib.UUID           { return a.services }
func (a *fakeAdv) OverflowService() []blelib.UUID    { return nil }
func (a *fakeAdv) TxPowerLevel() int                 { return 0 }
func (a *fakeAdv) Connectable() bool                 { return a.connectable }
func (a *fakeAdv) SolicitedService() []blelib.UUID   { return nil }
func (a *fakeAdv) RSSI() int                         { return a.rssi }
func (a *fakeAdv) Addr() blelib.Addr                 { return fakeAddr(a.addr) }

func cuffAdv() *fakeAdv {
	return &fakeAdv{
		addr:        "AA:BB:CC:DD:EE:FF",
		name:        "BP Meter",
		rssi:        -50,
		connectable: true,
		services:    []blelib.UUID{blelib.MustParse("fff0")},
	}
}

func newTestScanner(t *testing.T, opts *ScanOptions) *Scanner {
	t.Helper()
	s, err := NewScanner(nil)
	require.NoError(t, err)
	s.devices = hashmap.New[string, *trackedDevice]()
	s.scanOptions = opts
	return s
}

func TestShouldIncludeDeviceFilters(t *testing.T) {
	s, err := NewScanner(nil)
	require.NoError(t, err)
	adv := cuffAdv()

	tests := []struct {
		name     string
		opts     *ScanOptions
		included bool
	}{
		{"no filters", &ScanOptions{}, true},
		{"block list match", &ScanOptions{BlockList: []string{"AA:BB:CC:DD:EE:FF"}}, false},
		{"allow list match", &ScanOptions{AllowList: []string{"AA:BB:CC:DD:EE:FF"}}, true},
		{"allow list miss", &ScanOptions{AllowList: []string{"11:22:33:44:55:66"}}, false},
		{"service filter match", &ScanOptions{ServiceUUIDs: []string{"fff0"}}, true},
		{"service filter long form", &ScanOptions{ServiceUUIDs: []string{"0000fff0-0000-1000-8000-00805f9b34fb"}}, true},
		{"service filter miss", &ScanOptions{ServiceUUIDs: []string{"1810"}}, false},
		{"block wins over allow", &ScanOptions{
			AllowList: []string{"AA:BB:CC:DD:EE:FF"},
			BlockList: []string{"AA:BB:CC:DD:EE:FF"},
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.included, s.shouldIncludeDevice(adv, tt.opts))
		})
	}
}

func TestHandleAdvertisementAccumulates(t *testing.T) {
	// GOAL: Verify repeated advertisements update a single entry and emit
	// ordered events
	//
	// TEST SCENARIO: Same address advertised twice produces one device entry,
	// an EventNew followed by an EventUpdated, and a refreshed RSSI

	s := newTestScanner(t, &ScanOptions{})

	s.handleAdvertisement(cuffAdv())

	adv2 := cuffAdv()
	adv2.rssi = -42
	s.handleAdvertisement(adv2)

	require.Equal(t, 1, s.devices.Len(), "one address MUST map to one device entry")

	tracked, ok := s.devices.Get("AA:BB:CC:DD:EE:FF")
	require.True(t, ok)
	snap := tracked.Snapshot()
	assert.Equal(t, -42, snap.RSSI, "later advertisements MUST refresh RSSI")
	assert.Equal(t, 2, snap.AdvCount)
	assert.Equal(t, []string{"fff0"}, snap.ServiceUUIDs, "repeated services MUST NOT duplicate")

	ev1 := <-s.Events()
	assert.Equal(t, EventNew, ev1.Type)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", ev1.Device.ID)
	ev2 := <-s.Events()
	assert.Equal(t, EventUpdated, ev2.Type)
	assert.Equal(t, -42, ev2.Device.RSSI, "events MUST carry the state at emission time")
}

func TestHandleAdvertisementRespectsFilter(t *testing.T) {
	s := newTestScanner(t, &ScanOptions{BlockList: []string{"AA:BB:CC:DD:EE:FF"}})

	s.handleAdvertisement(cuffAdv())

	assert.Equal(t, 0, s.devices.Len(), "blocked devices MUST NOT be tracked")
	assert.Equal(t, 0, s.events.Len(), "blocked devices MUST NOT emit events")
}

func TestTrackedDeviceNamePersists(t *testing.T) {
	// Some advertisements omit the local name; a known name must not be
	// erased by a nameless follow-up.
	tracked := newTrackedDevice(cuffAdv())

	nameless := cuffAdv()
	nameless.name = ""
	tracked.update(nameless)

	assert.Equal(t, "BP Meter", tracked.Snapshot().Name)
}

func TestSnapshotIsolation(t *testing.T) {
	tracked := newTrackedDevice(cuffAdv())

	snap := tracked.Snapshot()
	snap.ServiceUUIDs[0] = "dead"

	assert.Equal(t, []string{"fff0"}, tracked.Snapshot().ServiceUUIDs,
		"mutating a snapshot MUST NOT affect the tracked device")
}

func TestDeviceInfoAdvertisesAny(t *testing.T) {
	info := newTrackedDevice(cuffAdv()).Snapshot()

	assert.True(t, info.AdvertisesAny([]string{"fff0", "1810"}))
	assert.False(t, info.AdvertisesAny([]string{"1808"}))
}
