// Package testutils provides in-memory fakes for exercising the acquisition
// pipeline without radio hardware.
package testutils

import (
	"context"
	"fmt"
	"sync"

	"github.com/curastack/medlink/internal/transport"
)

// FakeCharacteristic is a scripted characteristic.
type FakeCharacteristic struct {
	CharUUID string
	Notify   bool
}

func (c *FakeCharacteristic) UUID() string     { return transport.NormalizeUUID(c.CharUUID) }
func (c *FakeCharacteristic) Notifiable() bool { return c.Notify }

// FakeService is a scripted service holding fake characteristics.
type FakeService struct {
	SvcUUID string
	Chars   []*FakeCharacteristic
}

func (s *FakeService) UUID() string { return transport.NormalizeUUID(s.SvcUUID) }

func (s *FakeService) Characteristics() []transport.Characteristic {
	out := make([]transport.Characteristic, 0, len(s.Chars))
	for _, c := range s.Chars {
		out = append(out, c)
	}
	return out
}

// FakePeripheral is a scriptable peripheral. Tests subscribe, then push
// payloads with Emit; SimulateDisconnect exercises the unsolicited-disconnect
// path.
type FakePeripheral struct {
	PeripheralID   string
	PeripheralName string
	ServicesList   []*FakeService

	// Failure injection.
	ConnectErr      error
	SubscribeErrFor map[string]error // keyed by normalized characteristic UUID

	// SilentChars lists characteristics that accept a subscription but never
	// produce data, for probe-timeout scenarios.
	SilentChars map[string]bool

	mu           sync.Mutex
	connectCalls int
	handlers     map[string]func([]byte)
	disconnected chan struct{}
	closeOnce    sync.Once
}

// NewFakePeripheral creates a peripheral with the given identity and
// services.
func NewFakePeripheral(id, name string, services ...*FakeService) *FakePeripheral {
	return &FakePeripheral{
		PeripheralID:   id,
		PeripheralName: name,
		ServicesList:   services,
		handlers:       map[string]func([]byte){},
		disconnected:   make(chan struct{}),
	}
}

func (p *FakePeripheral) ID() string   { return p.PeripheralID }
func (p *FakePeripheral) Name() string { return p.PeripheralName }

func (p *FakePeripheral) Connect(_ context.Context) error {
	p.mu.Lock()
	p.connectCalls++
	p.mu.Unlock()
	return p.ConnectErr
}

// ConnectCalls returns how many times Connect ran.
func (p *FakePeripheral) ConnectCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectCalls
}

func (p *FakePeripheral) Services() []transport.Service {
	out := make([]transport.Service, 0, len(p.ServicesList))
	for _, s := range p.ServicesList {
		out = append(out, s)
	}
	return out
}

func (p *FakePeripheral) Subscribe(c transport.Characteristic, fn func([]byte)) error {
	uuid := c.UUID()
	if err, ok := p.SubscribeErrFor[uuid]; ok {
		return err
	}
	p.mu.Lock()
	p.handlers[uuid] = fn
	p.mu.Unlock()
	return nil
}

func (p *FakePeripheral) Unsubscribe(c transport.Characteristic) error {
	p.mu.Lock()
	delete(p.handlers, c.UUID())
	p.mu.Unlock()
	return nil
}

func (p *FakePeripheral) Disconnected() <-chan struct{} { return p.disconnected }

func (p *FakePeripheral) Close() error {
	p.closeOnce.Do(func() { close(p.disconnected) })
	return nil
}

// Emit delivers a payload to the subscriber of the given characteristic UUID.
// It reports whether a handler was attached.
func (p *FakePeripheral) Emit(charUUID string, payload []byte) bool {
	uuid := transport.NormalizeUUID(charUUID)
	if p.SilentChars[uuid] {
		return false
	}
	p.mu.Lock()
	fn := p.handlers[uuid]
	p.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(payload)
	return true
}

// Subscribed reports whether the characteristic currently has a handler.
func (p *FakePeripheral) Subscribed(charUUID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handlers[transport.NormalizeUUID(charUUID)]
	return ok
}

// SimulateDisconnect fires the unsolicited-disconnect signal.
func (p *FakePeripheral) SimulateDisconnect() {
	p.closeOnce.Do(func() { close(p.disconnected) })
}

// FakeTransport hands out scripted peripherals by device ID. Discovery
// failures can be injected globally or per attempt.
type FakeTransport struct {
	mu          sync.Mutex
	peripherals map[string][]*FakePeripheral
	DiscoverErr error

	discoverCalls int
	lastFilter    transport.Filter
}

// NewFakeTransport creates an empty fake transport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{peripherals: map[string][]*FakePeripheral{}}
}

// AddPeripheral queues a peripheral for a device ID. Each discovery consumes
// one from the queue; the last one is served repeatedly. Queueing several
// lets a test hand out a fresh peripheral to a reconnect.
func (t *FakeTransport) AddPeripheral(p *FakePeripheral) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peripherals[p.PeripheralID] = append(t.peripherals[p.PeripheralID], p)
}

func (t *FakeTransport) Discover(_ context.Context, filter transport.Filter) (transport.Peripheral, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discoverCalls++
	t.lastFilter = filter

	if t.DiscoverErr != nil {
		return nil, t.DiscoverErr
	}
	queue := t.peripherals[filter.DeviceID]
	if len(queue) == 0 {
		return nil, fmt.Errorf("%w: no scripted peripheral for %q", transport.ErrNoDevice, filter.DeviceID)
	}
	p := queue[0]
	if len(queue) > 1 {
		t.peripherals[filter.DeviceID] = queue[1:]
	}
	return p, nil
}

// DiscoverCalls returns how many discovery attempts ran.
func (t *FakeTransport) DiscoverCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.discoverCalls
}

// LastFilter returns the filter of the most recent discovery attempt.
func (t *FakeTransport) LastFilter() transport.Filter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFilter
}
