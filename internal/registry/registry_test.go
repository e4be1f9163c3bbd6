package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curastack/medlink/internal/reading"
	"github.com/curastack/medlink/internal/registry"
	"github.com/curastack/medlink/internal/session"
	"github.com/curastack/medlink/internal/testutils"
)

func newTestRegistry() (*registry.Registry, *testutils.FakeTransport) {
	tr := testutils.NewFakeTransport()
	reg := registry.New(session.NewProfileRegistry(), tr, nil, session.Options{
		ProbeTimeout:    50 * time.Millisecond,
		DiscoverTimeout: 200 * time.Millisecond,
	})
	return reg, tr
}

func TestRegisterAndLookup(t *testing.T) {
	reg, _ := newTestRegistry()

	identity := registry.DeviceIdentity{
		ID:   "AA:BB:CC:DD:EE:01",
		Name: "Ward 3 cuff",
		Type: reading.DeviceBloodPressure,
	}
	require.NoError(t, reg.Register(identity))

	got, err := reg.Lookup(identity.ID)
	require.NoError(t, err)
	assert.Equal(t, identity, got)
}

func TestRegisterRefusesDuplicates(t *testing.T) {
	reg, _ := newTestRegistry()
	identity := registry.DeviceIdentity{ID: "AA:BB:CC:DD:EE:01", Type: reading.DeviceBloodPressure}

	require.NoError(t, reg.Register(identity))
	err := reg.Register(identity)

	var dup *registry.AlreadyRegisteredError
	require.ErrorAs(t, err, &dup, "re-registering an address MUST fail")
	assert.Equal(t, identity.ID, dup.DeviceID)
}

func TestRegisterValidatesIdentity(t *testing.T) {
	reg, _ := newTestRegistry()

	assert.Error(t, reg.Register(registry.DeviceIdentity{Type: reading.DeviceBloodPressure}), "empty ID MUST be refused")
	assert.Error(t, reg.Register(registry.DeviceIdentity{ID: "X", Type: "weight"}), "unknown type MUST be refused")
}

func TestLookupUnknownDevice(t *testing.T) {
	reg, _ := newTestRegistry()

	_, err := reg.Lookup("not-there")
	var notRegistered *registry.NotRegisteredError
	require.ErrorAs(t, err, &notRegistered)
}

func TestListOrderedByID(t *testing.T) {
	reg, _ := newTestRegistry()
	require.NoError(t, reg.Register(registry.DeviceIdentity{ID: "CC:02", Type: reading.DeviceGlucose}))
	require.NoError(t, reg.Register(registry.DeviceIdentity{ID: "AA:01", Type: reading.DeviceBloodPressure}))

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "AA:01", list[0].ID)
	assert.Equal(t, "CC:02", list[1].ID)
}

func TestSessionForSharesOneSessionPerDevice(t *testing.T) {
	// GOAL: Verify concurrent callers receive the same session instance
	//
	// TEST SCENARIO: 8 goroutines race SessionFor → exactly one session

	reg, _ := newTestRegistry()
	require.NoError(t, reg.Register(registry.DeviceIdentity{ID: "AA:01", Type: reading.DeviceBloodPressure}))

	sessions := make([]*session.Session, 8)
	var wg sync.WaitGroup
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := reg.SessionFor("AA:01")
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(sessions); i++ {
		assert.Same(t, sessions[0], sessions[i], "device AA:01 MUST have exactly one session")
	}
}

func TestSessionForUsesProfileOverride(t *testing.T) {
	reg, _ := newTestRegistry()
	require.NoError(t, reg.Register(registry.DeviceIdentity{
		ID:      "AA:01",
		Type:    reading.DeviceBloodPressure,
		Profile: "standard-health",
	}))

	sess, err := reg.SessionFor("AA:01")
	require.NoError(t, err)
	assert.Equal(t, "standard-health", sess.Profile().Name)
}

func TestSessionForDefaultsToTypePriority(t *testing.T) {
	reg, _ := newTestRegistry()
	require.NoError(t, reg.Register(registry.DeviceIdentity{ID: "AA:01", Type: reading.DeviceBloodPressure}))
	require.NoError(t, reg.Register(registry.DeviceIdentity{ID: "BB:02", Type: reading.DeviceGlucose}))

	bp, err := reg.SessionFor("AA:01")
	require.NoError(t, err)
	assert.Equal(t, "transtek-framed", bp.Profile().Name)

	glucose, err := reg.SessionFor("BB:02")
	require.NoError(t, err)
	assert.Equal(t, "standard-health", glucose.Profile().Name)
}

func TestSessionForUnknownProfileOverride(t *testing.T) {
	reg, _ := newTestRegistry()
	require.NoError(t, reg.Register(registry.DeviceIdentity{
		ID:      "AA:01",
		Type:    reading.DeviceBloodPressure,
		Profile: "does-not-exist",
	}))

	_, err := reg.SessionFor("AA:01")
	assert.Error(t, err)
}

func TestClosedSessionLeavesRegistry(t *testing.T) {
	// GOAL: Verify the close hook removes the session so the next acquisition
	// gets a fresh one

	reg, tr := newTestRegistry()
	tr.AddPeripheral(testutils.NewFakePeripheral("AA:01", "Meter",
		&testutils.FakeService{SvcUUID: "fff0", Chars: []*testutils.FakeCharacteristic{{CharUUID: "fff4", Notify: true}}}))
	require.NoError(t, reg.Register(registry.DeviceIdentity{ID: "AA:01", Type: reading.DeviceBloodPressure}))

	first, err := reg.SessionFor("AA:01")
	require.NoError(t, err)
	require.NoError(t, first.Start(context.Background()))

	first.Close()

	second, err := reg.SessionFor("AA:01")
	require.NoError(t, err)
	assert.NotSame(t, first, second, "a closed session MUST NOT be handed out again")
}

func TestSessionForSurvivesRepeatedCloseRecreate(t *testing.T) {
	// GOAL: Verify the registry keeps handing out fresh sessions across many
	// close-then-reacquire cycles for the same device
	//
	// TEST SCENARIO: 5 rounds of SessionFor → Start → Close, each round MUST
	// return promptly with a new session

	reg, tr := newTestRegistry()
	tr.AddPeripheral(testutils.NewFakePeripheral("AA:01", "Meter",
		&testutils.FakeService{SvcUUID: "fff0", Chars: []*testutils.FakeCharacteristic{{CharUUID: "fff4", Notify: true}}}))
	require.NoError(t, reg.Register(registry.DeviceIdentity{ID: "AA:01", Type: reading.DeviceBloodPressure}))

	var prev *session.Session
	for i := 0; i < 5; i++ {
		sess, err := reg.SessionFor("AA:01")
		require.NoError(t, err)
		if prev != nil {
			assert.NotSame(t, prev, sess, "round %d MUST get a fresh session", i)
		}
		require.NoError(t, sess.Start(context.Background()))
		sess.Close()
		prev = sess
	}
}

func TestRemoveClosesLiveSession(t *testing.T) {
	reg, tr := newTestRegistry()
	tr.AddPeripheral(testutils.NewFakePeripheral("AA:01", "Meter",
		&testutils.FakeService{SvcUUID: "fff0", Chars: []*testutils.FakeCharacteristic{{CharUUID: "fff4", Notify: true}}}))
	require.NoError(t, reg.Register(registry.DeviceIdentity{ID: "AA:01", Type: reading.DeviceBloodPressure}))

	sess, err := reg.SessionFor("AA:01")
	require.NoError(t, err)
	require.NoError(t, sess.Start(context.Background()))

	require.NoError(t, reg.Remove("AA:01"))
	assert.Equal(t, session.StateClosed, sess.State())

	_, err = reg.Lookup("AA:01")
	assert.Error(t, err)
}

func TestCloseAll(t *testing.T) {
	reg, tr := newTestRegistry()
	tr.AddPeripheral(testutils.NewFakePeripheral("AA:01", "Meter",
		&testutils.FakeService{SvcUUID: "fff0", Chars: []*testutils.FakeCharacteristic{{CharUUID: "fff4", Notify: true}}}))
	require.NoError(t, reg.Register(registry.DeviceIdentity{ID: "AA:01", Type: reading.DeviceBloodPressure}))

	sess, err := reg.SessionFor("AA:01")
	require.NoError(t, err)
	require.NoError(t, sess.Start(context.Background()))

	reg.CloseAll()
	assert.Equal(t, session.StateClosed, sess.State())
}
