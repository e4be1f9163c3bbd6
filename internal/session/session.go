// Package session owns the lifecycle of a single wireless link to one
// device: discovery, link establishment, profile resolution with fallback
// search, notification streaming, and teardown.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/curastack/medlink/internal/groutine"
	"github.com/curastack/medlink/internal/transport"
)

// State is the session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateLinkEstablished
	StateResolvingProfile
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateLinkEstablished:
		return "link_established"
	case StateResolvingProfile:
		return "resolving_profile"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// DefaultProbeTimeout is the per-characteristic wait for data during the
	// fallback search across all advertised services.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultDiscoverTimeout bounds one discovery scan pass.
	DefaultDiscoverTimeout = 15 * time.Second

	fragmentChannelCapacity = 256
)

// Options tunes session timing. Zero values fall back to the defaults.
type Options struct {
	ProbeTimeout    time.Duration
	DiscoverTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.DiscoverTimeout <= 0 {
		o.DiscoverTimeout = DefaultDiscoverTimeout
	}
	return o
}

// Session represents one active or attempted link to a device. It exclusively
// owns the underlying peripheral handle; no other component reads from or
// closes it directly.
type Session struct {
	deviceID  string
	profile   *ServiceProfile
	transport transport.Transport
	logger    *logrus.Logger
	opts      Options

	mu         sync.Mutex
	state      State
	peripheral transport.Peripheral
	streamChar transport.Characteristic
	onClosed   func(deviceID string)

	// fragMu serializes notification forwarding with channel teardown so a
	// late transport callback never sends on the closed fragment channel.
	fragMu     sync.Mutex
	fragments  chan []byte
	fragClosed bool
	closeOnce  sync.Once

	inUse atomic.Bool
}

// New creates an idle session for a device. The profile scopes discovery and
// names the primary characteristic to resolve.
func New(deviceID string, profile *ServiceProfile, tr transport.Transport, logger *logrus.Logger, opts Options) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	return &Session{
		deviceID:  deviceID,
		profile:   profile,
		transport: tr,
		logger:    logger,
		opts:      opts.withDefaults(),
		state:     StateIdle,
		fragments: make(chan []byte, fragmentChannelCapacity),
	}
}

// DeviceID returns the device this session is bound to.
func (s *Session) DeviceID() string { return s.deviceID }

// Profile returns the service profile the session was created with.
func (s *Session) Profile() *ServiceProfile { return s.profile }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnClosed registers the hook fired exactly once when the session reaches
// Closed, whether by explicit stop or unsolicited disconnect. The registry
// uses it for automatic cleanup.
func (s *Session) OnClosed(fn func(deviceID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = fn
}

// BeginAcquisition claims the session for one acquisition attempt. It returns
// false when another acquisition is already in flight; a device link is never
// shared between concurrent attempts.
func (s *Session) BeginAcquisition() bool {
	return s.inUse.CompareAndSwap(false, true)
}

// EndAcquisition releases the claim taken by BeginAcquisition.
func (s *Session) EndAcquisition() {
	s.inUse.Store(false)
}

// Fragments returns the channel carrying copied notification payloads. The
// channel is closed when the session closes.
func (s *Session) Fragments() <-chan []byte { return s.fragments }

// Start drives the session from Idle to Streaming. It is a no-op on a session
// that is already streaming, and re-resolves the profile on a session whose
// link survived a previous acquisition. Any failure closes the session.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case StateStreaming:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.driveToStreaming(ctx); err != nil {
		s.Close()
		return err
	}
	return nil
}

// driveToStreaming performs discovery (when no link exists), connect, profile
// resolution, and subscription.
func (s *Session) driveToStreaming(ctx context.Context) error {
	s.mu.Lock()
	p := s.peripheral
	s.mu.Unlock()

	if p == nil {
		s.setState(StateDiscovering)
		discovered, err := s.discover(ctx)
		if err != nil {
			return err
		}

		if err := discovered.Connect(ctx); err != nil {
			return linkFailed(fmt.Sprintf("connect to %s", s.deviceID), err)
		}
		s.setState(StateLinkEstablished)

		s.mu.Lock()
		s.peripheral = discovered
		s.mu.Unlock()
		p = discovered

		groutine.Go(ctx, "link-watch:"+s.deviceID, func(context.Context) {
			s.watchLink(discovered)
		})
	}

	s.setState(StateResolvingProfile)
	char, err := s.resolveCharacteristic(ctx, p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.streamChar = char
	s.mu.Unlock()
	s.setState(StateStreaming)

	s.logger.WithFields(logrus.Fields{
		"device":         s.deviceID,
		"characteristic": transport.ShortenUUID(char.UUID()),
	}).Info("Streaming notifications")
	return nil
}

// discover runs a scoped device-selection request first, then falls back to
// an unscoped accept-all request with the profile services listed as
// optional. Devices do not reliably advertise the expected service ahead of
// link time.
func (s *Session) discover(ctx context.Context) (transport.Peripheral, error) {
	scoped := transport.Filter{
		DeviceID:     s.deviceID,
		ServiceUUIDs: s.profile.ServiceUUIDs,
	}

	scopeCtx, cancel := context.WithTimeout(ctx, s.opts.DiscoverTimeout)
	p, err := s.transport.Discover(scopeCtx, scoped)
	cancel()
	if err == nil {
		return p, nil
	}
	if ctx.Err() != nil {
		return nil, discoveryFailed("discovery cancelled", ctx.Err())
	}

	s.logger.WithFields(logrus.Fields{
		"device": s.deviceID,
		"error":  err,
	}).Warn("Scoped discovery found nothing, retrying accept-all")

	fallback := transport.Filter{
		DeviceID:             s.deviceID,
		AcceptAll:            true,
		OptionalServiceUUIDs: s.profile.ServiceUUIDs,
	}
	fbCtx, cancel := context.WithTimeout(ctx, s.opts.DiscoverTimeout)
	defer cancel()
	p, err = s.transport.Discover(fbCtx, fallback)
	if err != nil {
		return nil, discoveryFailed(fmt.Sprintf("no device selected for %s", s.deviceID), err)
	}
	return p, nil
}

// resolveCharacteristic tries the profile's primary characteristic first; on
// failure it enumerates every advertised service and probes each notifiable
// characteristic in turn until one produces data or all are exhausted.
func (s *Session) resolveCharacteristic(ctx context.Context, p transport.Peripheral) (transport.Characteristic, error) {
	if char := s.findPrimary(p); char != nil {
		if err := p.Subscribe(char, s.forward); err == nil {
			return char, nil
		} else {
			s.logger.WithFields(logrus.Fields{
				"device":         s.deviceID,
				"characteristic": transport.ShortenUUID(char.UUID()),
				"error":          err,
			}).Warn("Primary characteristic refused subscription, scanning all services")
		}
	} else {
		s.logger.WithField("device", s.deviceID).Warn("Expected service absent, scanning all services")
	}

	return s.probeAllCharacteristics(ctx, p)
}

// findPrimary locates the profile's characteristic among the resolved
// services.
func (s *Session) findPrimary(p transport.Peripheral) transport.Characteristic {
	for _, svc := range p.Services() {
		if !transport.ContainsUUID(s.profile.ServiceUUIDs, svc.UUID()) {
			continue
		}
		for _, char := range svc.Characteristics() {
			if transport.ContainsUUID(s.profile.CharacteristicUUIDs, char.UUID()) && char.Notifiable() {
				return char
			}
		}
	}
	return nil
}

// probeAllCharacteristics subscribes to each notifiable characteristic on the
// device in turn, keeping the first one that produces data within the probe
// window.
func (s *Session) probeAllCharacteristics(ctx context.Context, p transport.Peripheral) (transport.Characteristic, error) {
	probed := 0
	for _, svc := range p.Services() {
		for _, char := range svc.Characteristics() {
			if !char.Notifiable() {
				continue
			}
			probed++

			gotData := make(chan struct{}, 1)
			fn := func(payload []byte) {
				s.forward(payload)
				select {
				case gotData <- struct{}{}:
				default:
				}
			}
			if err := p.Subscribe(char, fn); err != nil {
				s.logger.WithFields(logrus.Fields{
					"device":         s.deviceID,
					"characteristic": transport.ShortenUUID(char.UUID()),
					"error":          err,
				}).Debug("Probe subscription failed")
				continue
			}

			timer := time.NewTimer(s.opts.ProbeTimeout)
			select {
			case <-gotData:
				timer.Stop()
				s.logger.WithFields(logrus.Fields{
					"device":         s.deviceID,
					"service":        transport.ShortenUUID(svc.UUID()),
					"characteristic": transport.ShortenUUID(char.UUID()),
				}).Info("Fallback probe found a live characteristic")
				return char, nil
			case <-timer.C:
				_ = p.Unsubscribe(char)
			case <-ctx.Done():
				timer.Stop()
				_ = p.Unsubscribe(char)
				return nil, resolutionExhausted("resolution cancelled")
			}
		}
	}
	return nil, resolutionExhausted(fmt.Sprintf("no usable notifying characteristic after probing %d of them", probed))
}

// forward copies a notification payload into the fragment channel. The
// payload slice is transport-owned and must not be retained.
func (s *Session) forward(payload []byte) {
	owned := make([]byte, len(payload))
	copy(owned, payload)

	s.fragMu.Lock()
	defer s.fragMu.Unlock()
	if s.fragClosed {
		return
	}
	select {
	case s.fragments <- owned:
	default:
		// The consumer is not keeping up; dropping is preferable to blocking
		// the transport callback.
		s.logger.WithField("device", s.deviceID).Warn("Fragment channel full, dropping notification")
	}
}

// watchLink closes the session when the transport reports an unsolicited
// disconnect. Watchers from a superseded peripheral exit without effect.
func (s *Session) watchLink(p transport.Peripheral) {
	<-p.Disconnected()

	s.mu.Lock()
	stale := s.peripheral != p || s.state == StateClosed
	s.mu.Unlock()
	if stale {
		return
	}

	s.logger.WithField("device", s.deviceID).Warn("Unsolicited disconnect, closing session")
	s.Close()
}

// StopStreaming unsubscribes notifications but keeps the link established so
// the next acquisition can reuse the session.
func (s *Session) StopStreaming() error {
	s.mu.Lock()
	if s.state != StateStreaming {
		s.mu.Unlock()
		return nil
	}
	p := s.peripheral
	char := s.streamChar
	s.streamChar = nil
	s.state = StateLinkEstablished
	s.mu.Unlock()

	if p != nil && char != nil {
		return p.Unsubscribe(char)
	}
	return nil
}

// Close tears the session down: unsubscribe before releasing the link, close
// the fragment channel, fire the close hook. Idempotent and safe to call from
// any state.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		p := s.peripheral
		char := s.streamChar
		hook := s.onClosed
		s.peripheral = nil
		s.streamChar = nil
		s.state = StateClosed
		s.mu.Unlock()

		if p != nil {
			if char != nil {
				_ = p.Unsubscribe(char)
			}
			if err := p.Close(); err != nil {
				s.logger.WithFields(logrus.Fields{
					"device": s.deviceID,
					"error":  err,
				}).Warn("Link release reported an error")
			}
		}

		s.fragMu.Lock()
		s.fragClosed = true
		close(s.fragments)
		s.fragMu.Unlock()

		if hook != nil {
			hook(s.deviceID)
		}
		s.logger.WithField("device", s.deviceID).Info("Session closed")
	})
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.logger.WithFields(logrus.Fields{
		"device": s.deviceID,
		"from":   prev.String(),
		"to":     st.String(),
	}).Debug("Session state change")
}
