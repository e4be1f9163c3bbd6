// Package publish forwards validated readings to an MQTT broker for the
// clinic backend.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/curastack/medlink/internal/reading"
)

// Options configures the broker connection and topic layout.
type Options struct {
	// Broker enables publishing when set; empty leaves readings local-only.
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port" default:"1883"`
	ClientID string `yaml:"client_id" default:"medlink"`
	Site     string `yaml:"site" default:"default"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Publisher wraps a paho client with connection-state tracking and an
// idempotent shutdown.
type Publisher struct {
	client mqtt.Client
	opts   Options
	logger *logrus.Logger

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// envelope is the wire form of a published reading.
type envelope struct {
	Site     string           `json:"site"`
	DeviceID string           `json:"device_id"`
	Reading  *reading.Reading `json:"reading"`
	SentAt   time.Time        `json:"sent_at"`
}

// NewPublisher builds a publisher. No connection is attempted until Connect.
func NewPublisher(opts Options, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	p := &Publisher{
		opts:   opts,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Broker, opts.Port))
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetCleanSession(true)
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetMaxReconnectInterval(60 * time.Second)
	co.SetKeepAlive(30 * time.Second)
	co.SetPingTimeout(10 * time.Second)

	co.SetOnConnectHandler(func(_ mqtt.Client) {
		p.setConnected(true)
		logger.WithFields(logrus.Fields{
			"broker": opts.Broker,
			"port":   opts.Port,
		}).Info("MQTT connected")
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		logger.WithField("error", err).Warn("MQTT connection lost")
	})

	p.client = mqtt.NewClient(co)
	return p
}

// Connect waits for the initial broker connection, honoring ctx and
// Disconnect.
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return fmt.Errorf("publisher stopped")
	default:
	}

	if p.IsConnected() {
		return nil
	}

	token := p.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return fmt.Errorf("publisher stopped")
		default:
		}
	}
}

// PublishReading sends one reading to clinics/<site>/readings/<device> at
// QoS 1.
func (p *Publisher) PublishReading(deviceID string, rd *reading.Reading) error {
	if !p.IsConnected() {
		return fmt.Errorf("mqtt publisher not connected")
	}

	topic := fmt.Sprintf("clinics/%s/readings/%s", p.opts.Site, deviceID)
	data, err := json.Marshal(envelope{
		Site:     p.opts.Site,
		DeviceID: deviceID,
		Reading:  rd,
		SentAt:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal reading: %w", err)
	}

	token := p.client.Publish(topic, 1, false, data)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout for topic %s", topic)
	}
	if token.Error() != nil {
		p.logger.WithFields(logrus.Fields{
			"topic": topic,
			"error": token.Error(),
		}).Error("Failed to publish reading")
		return fmt.Errorf("publish reading: %w", token.Error())
	}

	p.logger.WithFields(logrus.Fields{
		"topic":  topic,
		"device": deviceID,
	}).Debug("Published reading")
	return nil
}

// IsConnected reports whether the broker link is up.
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Disconnect stops the publisher. Idempotent; Connect fails afterwards.
func (p *Publisher) Disconnect() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	if p.client != nil {
		p.client.Disconnect(250)
	}
	p.setConnected(false)
	p.logger.Info("MQTT disconnected")
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}
