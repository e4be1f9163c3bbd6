package acquire_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/curastack/medlink/internal/acquire"
	"github.com/curastack/medlink/internal/reading"
	"github.com/curastack/medlink/internal/registry"
	"github.com/curastack/medlink/internal/session"
	"github.com/curastack/medlink/internal/testutils"
)

const cuffID = "AA:BB:CC:DD:EE:01"

// newHarness wires a registry and orchestrator over a fake transport. A
// short-deadline copy of the proprietary profile keeps timeout tests fast.
func newHarness(t *testing.T) (*acquire.Orchestrator, *registry.Registry, *testutils.FakeTransport) {
	t.Helper()

	profiles := session.NewProfileRegistry()
	require.NoError(t, profiles.Register(&session.ServiceProfile{
		Name:                "framed-fast",
		ServiceUUIDs:        []string{"fff0"},
		CharacteristicUUIDs: []string{"fff4"},
		AcquireTimeout:      300 * time.Millisecond,
		DeviceTypes:         []reading.DeviceType{reading.DeviceBloodPressure},
	}))

	tr := testutils.NewFakeTransport()
	reg := registry.New(profiles, tr, nil, session.Options{
		ProbeTimeout:    50 * time.Millisecond,
		DiscoverTimeout: 200 * time.Millisecond,
	})
	return acquire.New(reg, nil), reg, tr
}

func cuffPeripheral(id string) *testutils.FakePeripheral {
	return testutils.NewFakePeripheral(id, "BP Meter",
		&testutils.FakeService{
			SvcUUID: "fff0",
			Chars:   []*testutils.FakeCharacteristic{{CharUUID: "fff4", Notify: true}},
		},
	)
}

// pumpWhenSubscribed emits the given payloads once the characteristic has a
// subscriber.
func pumpWhenSubscribed(p *testutils.FakePeripheral, charUUID string, payloads ...[]byte) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(5 * time.Second)
		for !p.Subscribed(charUUID) {
			if time.Now().After(deadline) {
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
		for _, payload := range payloads {
			p.Emit(charUUID, payload)
		}
	}()
	return done
}

func TestAcquireFramedReadingEndToEnd(t *testing.T) {
	// GOAL: Verify the full pipeline from fragmented notifications to a
	// validated reading
	//
	// TEST SCENARIO: Marker+length fragment, then the remaining seven bytes →
	// reassembled frame decodes to 120/80/72 → heuristic-accepted reading

	orch, reg, tr := newHarness(t)
	p := cuffPeripheral(cuffID)
	tr.AddPeripheral(p)
	require.NoError(t, reg.Register(registry.DeviceIdentity{
		ID: cuffID, Type: reading.DeviceBloodPressure, Profile: "framed-fast",
	}))

	pumpWhenSubscribed(p, "fff4",
		[]byte{0xAA, 0x08},
		[]byte{0x00, 0x78, 0x00, 0x50, 0x00, 0x48, 0x00},
	)

	result, err := orch.Acquire(context.Background(), cuffID)
	require.NoError(t, err)

	require.Equal(t, acquire.OutcomeReading, result.Outcome)
	require.NotNil(t, result.Reading)
	require.NotNil(t, result.Reading.BloodPressure)

	assert.Equal(t, 120, result.Reading.BloodPressure.Systolic)
	assert.Equal(t, 80, result.Reading.BloodPressure.Diastolic)
	assert.Equal(t, 72, result.Reading.BloodPressure.Pulse)
	assert.Equal(t, reading.ConfidenceHeuristicAccepted, result.Reading.Confidence,
		"a proprietary-frame decode MUST be classified heuristic-accepted")
	assert.Equal(t, "transtek-framed", result.Reading.Strategy)
	assert.Equal(t, 9, result.BytesReceived)
	assert.Equal(t, 2, result.Notifications)
	assert.False(t, result.Reconnected)
}

func TestAcquireStandardGlucoseEndToEnd(t *testing.T) {
	// GOAL: Verify a glucose meter on the published profile yields a
	// device-confirmed reading

	orch, reg, tr := newHarness(t)
	p := testutils.NewFakePeripheral("BB:02", "Glucose Meter",
		&testutils.FakeService{
			SvcUUID: "1808",
			Chars:   []*testutils.FakeCharacteristic{{CharUUID: "2a18", Notify: true}},
		},
	)
	tr.AddPeripheral(p)
	require.NoError(t, reg.Register(registry.DeviceIdentity{ID: "BB:02", Type: reading.DeviceGlucose}))

	pumpWhenSubscribed(p, "2a18", []byte{
		0x00,
		0x01, 0x00,
		0xE8, 0x07, 0x08, 0x1D, 0x0A, 0x1E, 0x00,
		0x69, 0x00,
		0x02,
	})

	result, err := orch.Acquire(context.Background(), "BB:02")
	require.NoError(t, err)

	require.Equal(t, acquire.OutcomeReading, result.Outcome)
	require.NotNil(t, result.Reading.Glucose)
	assert.Equal(t, 105, result.Reading.Glucose.Concentration)
	assert.Equal(t, reading.GlucoseContext("post-meal"), result.Reading.Glucose.Context)
	assert.Equal(t, reading.ConfidenceDeviceConfirmed, result.Reading.Confidence)
}

func TestAcquireDeadlineFallsBackToManualEntry(t *testing.T) {
	// GOAL: Verify a silent device ends in the manual-entry outcome, not an
	// error
	//
	// TEST SCENARIO: Streaming established but no fragments before the
	// profile deadline → OutcomeManualEntry with a decode-timeout diagnostic

	orch, reg, tr := newHarness(t)
	tr.AddPeripheral(cuffPeripheral(cuffID))
	require.NoError(t, reg.Register(registry.DeviceIdentity{
		ID: cuffID, Type: reading.DeviceBloodPressure, Profile: "framed-fast",
	}))

	result, err := orch.Acquire(context.Background(), cuffID)
	require.NoError(t, err, "manual entry is a completed attempt, not a failure")

	assert.Equal(t, acquire.OutcomeManualEntry, result.Outcome)
	assert.Nil(t, result.Reading)
	assert.ErrorIs(t, result.Err, acquire.ErrDecodeTimeout)
}

func TestAcquireRejectedCandidateKeepsWaiting(t *testing.T) {
	// GOAL: Verify a rejected candidate does not terminate the attempt
	//
	// TEST SCENARIO: Seven bytes the standard layout reads as 80/80 (systolic
	// not above diastolic, rejected) → no reading emerges → manual entry at
	// the deadline, never a validation error

	orch, reg, tr := newHarness(t)
	p := cuffPeripheral(cuffID)
	tr.AddPeripheral(p)
	require.NoError(t, reg.Register(registry.DeviceIdentity{
		ID: cuffID, Type: reading.DeviceBloodPressure, Profile: "framed-fast",
	}))

	pumpWhenSubscribed(p, "fff4", []byte{0x00, 0x50, 0x00, 0x50, 0x00, 0x48, 0x00})

	result, err := orch.Acquire(context.Background(), cuffID)
	require.NoError(t, err)
	assert.Equal(t, acquire.OutcomeManualEntry, result.Outcome)
	assert.ErrorIs(t, result.Err, acquire.ErrDecodeRejected,
		"the diagnostic MUST name the rejection, not a bare timeout")

	var rejected *acquire.DecodeRejectedError
	require.ErrorAs(t, result.Err, &rejected)
	assert.Equal(t, cuffID, rejected.DeviceID)
	assert.NotEmpty(t, rejected.Reason)
}

func TestAcquireBufferCapFallsBackToManualEntry(t *testing.T) {
	orch, reg, tr := newHarness(t)
	p := cuffPeripheral(cuffID)
	tr.AddPeripheral(p)
	require.NoError(t, reg.Register(registry.DeviceIdentity{
		ID: cuffID, Type: reading.DeviceBloodPressure, Profile: "framed-fast",
	}))

	orch.MaxFrameBytes = 16

	garbage := make([]byte, 10)
	for i := range garbage {
		garbage[i] = 0xFF
	}
	pumpWhenSubscribed(p, "fff4", garbage, garbage)

	result, err := orch.Acquire(context.Background(), cuffID)
	require.NoError(t, err)
	assert.Equal(t, acquire.OutcomeManualEntry, result.Outcome)
	assert.Equal(t, 20, result.BytesReceived)
	assert.ErrorIs(t, result.Err, acquire.ErrDecodeTimeout)
}

func TestAcquireCapCrossingFragmentStillDecodes(t *testing.T) {
	// GOAL: Verify a fragment that pushes the buffer past the cap still gets a
	// decode pass before the attempt gives up
	//
	// TEST SCENARIO: Cap of 8 bytes; a 9-byte frame arrives as 2+7 → the
	// second fragment crosses the cap AND completes the frame → reading, not
	// manual entry

	orch, reg, tr := newHarness(t)
	p := cuffPeripheral(cuffID)
	tr.AddPeripheral(p)
	require.NoError(t, reg.Register(registry.DeviceIdentity{
		ID: cuffID, Type: reading.DeviceBloodPressure, Profile: "framed-fast",
	}))

	orch.MaxFrameBytes = 8

	pumpWhenSubscribed(p, "fff4",
		[]byte{0xAA, 0x08},
		[]byte{0x00, 0x78, 0x00, 0x50, 0x00, 0x48, 0x00},
	)

	result, err := orch.Acquire(context.Background(), cuffID)
	require.NoError(t, err)
	require.Equal(t, acquire.OutcomeReading, result.Outcome,
		"a frame completed by the cap-crossing fragment MUST be decoded")
	assert.Equal(t, 120, result.Reading.BloodPressure.Systolic)
}

func TestAcquireUnknownDevice(t *testing.T) {
	orch, _, _ := newHarness(t)

	result, err := orch.Acquire(context.Background(), "not-registered")
	assert.Nil(t, result)

	var notRegistered *registry.NotRegisteredError
	require.ErrorAs(t, err, &notRegistered)
}

func TestAcquireExclusivePerDevice(t *testing.T) {
	// GOAL: Verify a second concurrent acquisition against the same device is
	// refused instead of sharing the link

	orch, reg, tr := newHarness(t)
	p := cuffPeripheral(cuffID)
	tr.AddPeripheral(p)
	require.NoError(t, reg.Register(registry.DeviceIdentity{
		ID: cuffID, Type: reading.DeviceBloodPressure, Profile: "framed-fast",
	}))

	firstDone := make(chan *acquire.Result, 1)
	go func() {
		result, _ := orch.Acquire(context.Background(), cuffID)
		firstDone <- result
	}()

	// Wait until the first attempt holds the session and is streaming.
	require.Eventually(t, func() bool {
		return p.Subscribed("fff4")
	}, 5*time.Second, 5*time.Millisecond)

	_, err := orch.Acquire(context.Background(), cuffID)
	assert.ErrorIs(t, err, acquire.ErrAcquisitionInProgress)

	// The first attempt runs to its deadline and falls back to manual entry.
	result := <-firstDone
	require.NotNil(t, result)
	assert.Equal(t, acquire.OutcomeManualEntry, result.Outcome)
}

func TestAcquireReconnectsOnceAfterMidStreamDisconnect(t *testing.T) {
	// GOAL: Verify one transparent reconnect after the link drops mid-stream
	//
	// TEST SCENARIO: First peripheral disconnects after streaming starts; a
	// second is discovered, streams a full frame → reading produced,
	// Reconnected flagged

	orch, reg, tr := newHarness(t)
	p1 := cuffPeripheral(cuffID)
	p2 := cuffPeripheral(cuffID)
	tr.AddPeripheral(p1)
	tr.AddPeripheral(p2)
	require.NoError(t, reg.Register(registry.DeviceIdentity{
		ID: cuffID, Type: reading.DeviceBloodPressure, Profile: "framed-fast",
	}))

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for !p1.Subscribed("fff4") && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
		}
		p1.SimulateDisconnect()
	}()
	pumpWhenSubscribed(p2, "fff4", []byte{0xAA, 0x08, 0x00, 0x78, 0x00, 0x50, 0x00, 0x48, 0x00})

	result, err := orch.Acquire(context.Background(), cuffID)
	require.NoError(t, err)

	assert.Equal(t, acquire.OutcomeReading, result.Outcome)
	assert.True(t, result.Reconnected, "the result MUST record that a reconnect happened")
	assert.Equal(t, 120, result.Reading.BloodPressure.Systolic)
}

func TestAcquireFailsAfterSecondTransportFailure(t *testing.T) {
	orch, reg, tr := newHarness(t)
	tr.DiscoverErr = context.DeadlineExceeded
	require.NoError(t, reg.Register(registry.DeviceIdentity{
		ID: cuffID, Type: reading.DeviceBloodPressure, Profile: "framed-fast",
	}))

	result, err := orch.Acquire(context.Background(), cuffID)

	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrDiscoveryFailed)
	require.NotNil(t, result)
	assert.Equal(t, acquire.OutcomeFailed, result.Outcome)
	assert.True(t, result.Reconnected, "exactly one retry MUST have been attempted")
}

func TestAcquireContextCancellation(t *testing.T) {
	orch, reg, tr := newHarness(t)
	p := cuffPeripheral(cuffID)
	tr.AddPeripheral(p)
	require.NoError(t, reg.Register(registry.DeviceIdentity{
		ID: cuffID, Type: reading.DeviceBloodPressure, Profile: "framed-fast",
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for !p.Subscribed("fff4") && time.Now().Before(deadline) {
			time.Sleep(2 * time.Millisecond)
		}
		cancel()
	}()

	result, err := orch.Acquire(ctx, cuffID)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, acquire.OutcomeFailed, result.Outcome)
	assert.Equal(t, session.StateClosed, waitSessionState(reg), "cancellation MUST tear the session down")
}

// waitSessionState returns the final state of the cuff session, Closed when
// the registry no longer tracks one.
func waitSessionState(reg *registry.Registry) session.State {
	if sess, ok := reg.Session(cuffID); ok {
		return sess.State()
	}
	return session.StateClosed
}
