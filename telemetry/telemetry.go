// Package telemetry is the embeddable entry point: it wires the transport,
// device registry, acquisition orchestrator, and optional reading publisher
// behind one service type.
package telemetry

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/curastack/medlink/internal/acquire"
	"github.com/curastack/medlink/internal/config"
	"github.com/curastack/medlink/internal/publish"
	"github.com/curastack/medlink/internal/reading"
	"github.com/curastack/medlink/internal/registry"
	"github.com/curastack/medlink/internal/session"
	"github.com/curastack/medlink/internal/transport"
	"github.com/curastack/medlink/internal/transport/goble"
)

// TransportFactory builds the transport the service connects through. Tests
// override it to avoid touching radio hardware.
var TransportFactory = func(logger *logrus.Logger) (transport.Transport, error) {
	return goble.New(logger), nil
}

// Service owns the full acquisition stack for one process.
type Service struct {
	cfg          *config.Config
	logger       *logrus.Logger
	registry     *registry.Registry
	orchestrator *acquire.Orchestrator
	publisher    *publish.Publisher
}

// NewService wires a service from configuration. Devices listed in the config
// are registered up front. The MQTT publisher is only created when a broker
// is configured, and connects lazily on first use.
func NewService(cfg *config.Config, logger *logrus.Logger) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logrus.New()
	}

	tr, err := TransportFactory(logger)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}

	profiles := session.NewProfileRegistry()
	reg := registry.New(profiles, tr, logger, session.Options{
		ProbeTimeout:    cfg.ProbeTimeout,
		DiscoverTimeout: cfg.ScanDuration,
	})
	for _, identity := range cfg.Devices {
		if err := reg.Register(identity); err != nil {
			return nil, fmt.Errorf("register configured device: %w", err)
		}
	}

	orch := acquire.New(reg, logger)
	orch.MaxFrameBytes = cfg.MaxFrameBytes

	svc := &Service{
		cfg:          cfg,
		logger:       logger,
		registry:     reg,
		orchestrator: orch,
	}
	if cfg.MQTT.Broker != "" {
		svc.publisher = publish.NewPublisher(cfg.MQTT, logger)
	}
	return svc, nil
}

// RegisterDevice adds a device to the registry.
func (s *Service) RegisterDevice(identity registry.DeviceIdentity) error {
	return s.registry.Register(identity)
}

// RemoveDevice drops a device and closes its session if one is live.
func (s *Service) RemoveDevice(deviceID string) error {
	return s.registry.Remove(deviceID)
}

// ListDevices returns all registered devices ordered by ID.
func (s *Service) ListDevices() []registry.DeviceIdentity {
	return s.registry.List()
}

// AcquireReading runs one acquisition attempt and, when publishing is
// configured and a reading was produced, forwards it to the broker. A publish
// failure does not fail the acquisition; the result carries the reading
// regardless.
func (s *Service) AcquireReading(ctx context.Context, deviceID string) (*acquire.Result, error) {
	result, err := s.orchestrator.Acquire(ctx, deviceID)
	if err != nil {
		return result, err
	}
	if result.Outcome == acquire.OutcomeReading {
		s.publishReading(ctx, deviceID, result.Reading)
	}
	return result, nil
}

// RecordManualReading stores an operator-keyed value after a manual-entry
// fallback and publishes it like a device reading. Manual values pass the
// same validator as decoded candidates.
func (s *Service) RecordManualReading(ctx context.Context, deviceID string, rd *reading.Reading) error {
	identity, err := s.registry.Lookup(deviceID)
	if err != nil {
		return err
	}
	if rd == nil {
		return fmt.Errorf("manual reading must not be nil")
	}
	if rd.Type != identity.Type {
		return fmt.Errorf("manual reading type %q does not match device type %q", rd.Type, identity.Type)
	}
	if rd.Confidence != reading.ConfidenceManualFallback {
		return fmt.Errorf("manual readings must carry %s confidence", reading.ConfidenceManualFallback)
	}

	s.logger.WithFields(logrus.Fields{
		"device":  deviceID,
		"reading": rd.String(),
	}).Info("Manual reading recorded")
	s.publishReading(ctx, deviceID, rd)
	return nil
}

func (s *Service) publishReading(ctx context.Context, deviceID string, rd *reading.Reading) {
	if s.publisher == nil || rd == nil {
		return
	}
	if err := s.publisher.Connect(ctx); err != nil {
		s.logger.WithField("error", err).Warn("Publish skipped, broker unreachable")
		return
	}
	if err := s.publisher.PublishReading(deviceID, rd); err != nil {
		s.logger.WithFields(logrus.Fields{
			"device": deviceID,
			"error":  err,
		}).Warn("Failed to publish reading")
	}
}

// Registry exposes the device registry for callers that need direct session
// access.
func (s *Service) Registry() *registry.Registry { return s.registry }

// Close tears down every live session and the broker link.
func (s *Service) Close() {
	s.registry.CloseAll()
	if s.publisher != nil {
		s.publisher.Disconnect()
	}
}
