package goble

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/curastack/medlink/internal/transport"
)

// bleCharacteristic wraps a resolved go-ble characteristic.
type bleCharacteristic struct {
	uuid string
	char *ble.Characteristic
}

func (c *bleCharacteristic) UUID() string { return c.uuid }

func (c *bleCharacteristic) Notifiable() bool {
	return c.char.Property&ble.CharNotify != 0 || c.char.Property&ble.CharIndicate != 0
}

// bleService wraps a resolved go-ble service.
type bleService struct {
	uuid  string
	chars []transport.Characteristic
}

func (s *bleService) UUID() string                                 { return s.uuid }
func (s *bleService) Characteristics() []transport.Characteristic { return s.chars }

// blePeripheral owns one go-ble client link.
type blePeripheral struct {
	id     string
	name   string
	logger *logrus.Logger

	mu       sync.Mutex
	client   ble.Client
	services []transport.Service
	closed   chan struct{}
	once     sync.Once
}

func newPeripheral(id, name string, logger *logrus.Logger) *blePeripheral {
	return &blePeripheral{
		id:     id,
		name:   name,
		logger: logger,
		closed: make(chan struct{}),
	}
}

func (p *blePeripheral) ID() string   { return p.id }
func (p *blePeripheral) Name() string { return p.name }

// Connect dials the device and resolves its full GATT profile.
func (p *blePeripheral) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return fmt.Errorf("already connected to %s", p.id)
	}

	client, err := ble.Dial(ctx, ble.NewAddr(p.id))
	if err != nil {
		return fmt.Errorf("failed to connect to device %q: %w", p.id, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	services := make([]transport.Service, 0, len(profile.Services))
	for _, svc := range profile.Services {
		s := &bleService{uuid: transport.NormalizeUUID(svc.UUID.String())}
		for _, char := range svc.Characteristics {
			s.chars = append(s.chars, &bleCharacteristic{
				uuid: transport.NormalizeUUID(char.UUID.String()),
				char: char,
			})
		}
		sort.Slice(s.chars, func(i, j int) bool { return s.chars[i].UUID() < s.chars[j].UUID() })
		services = append(services, s)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].UUID() < services[j].UUID() })

	p.client = client
	p.services = services

	// Propagate the stack's disconnect event to session teardown.
	go func() {
		<-client.Disconnected()
		p.logger.WithField("address", p.id).Warn("Link dropped by remote device or host stack")
		p.once.Do(func() { close(p.closed) })
	}()

	p.logger.WithFields(logrus.Fields{
		"address":  p.id,
		"services": len(services),
	}).Info("BLE device connected")
	return nil
}

func (p *blePeripheral) Services() []transport.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.services
}

// Subscribe starts notifications, falling back to indications when the
// characteristic only supports those.
func (p *blePeripheral) Subscribe(c transport.Characteristic, fn func(payload []byte)) error {
	bc, ok := c.(*bleCharacteristic)
	if !ok {
		return fmt.Errorf("characteristic %s does not belong to this transport", c.UUID())
	}

	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}

	handler := func(data []byte) { fn(data) }
	if err := client.Subscribe(bc.char, false, handler); err != nil {
		if bc.char.Property&ble.CharIndicate != 0 {
			if indErr := client.Subscribe(bc.char, true, handler); indErr == nil {
				return nil
			}
		}
		return fmt.Errorf("failed to subscribe to %s: %w", bc.uuid, err)
	}
	return nil
}

// Unsubscribe stops both notify and indicate modes; it fails only when both
// attempts fail.
func (p *blePeripheral) Unsubscribe(c transport.Characteristic) error {
	bc, ok := c.(*bleCharacteristic)
	if !ok {
		return fmt.Errorf("characteristic %s does not belong to this transport", c.UUID())
	}

	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return nil
	}

	err1 := client.Unsubscribe(bc.char, false)
	err2 := client.Unsubscribe(bc.char, true)
	if err1 != nil && err2 != nil {
		return fmt.Errorf("failed to unsubscribe from %s: notify=%v, indicate=%v", bc.uuid, err1, err2)
	}
	return nil
}

func (p *blePeripheral) Disconnected() <-chan struct{} {
	return p.closed
}

// Close releases the link. Idempotent.
func (p *blePeripheral) Close() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.services = nil
	p.mu.Unlock()

	p.once.Do(func() { close(p.closed) })

	if client == nil {
		return nil
	}
	if err := client.CancelConnection(); err != nil {
		return fmt.Errorf("failed to release link to %s: %w", p.id, err)
	}
	p.logger.WithField("address", p.id).Info("BLE device disconnected")
	return nil
}
