// Package registry tracks known devices and their live sessions. One mutex is
// the single synchronization point for both maps; at most one session exists
// per device.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/curastack/medlink/internal/reading"
	"github.com/curastack/medlink/internal/session"
	"github.com/curastack/medlink/internal/transport"
)

// DeviceIdentity is the static registration record for a device.
type DeviceIdentity struct {
	ID      string             `json:"id" yaml:"id"`
	Name    string             `json:"name,omitempty" yaml:"name,omitempty"`
	Type    reading.DeviceType `json:"type" yaml:"type"`
	Profile string             `json:"profile,omitempty" yaml:"profile,omitempty"`
	Site    string             `json:"site,omitempty" yaml:"site,omitempty"`
}

// AlreadyRegisteredError reports a duplicate device registration.
type AlreadyRegisteredError struct {
	DeviceID string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("device %q is already registered", e.DeviceID)
}

// NotRegisteredError reports a lookup for an unknown device.
type NotRegisteredError struct {
	DeviceID string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("device %q is not registered", e.DeviceID)
}

// Registry owns device identities and at most one session per device.
type Registry struct {
	// mu guards devices and sessions. Session.Close is never called with mu
	// held: the close hook re-enters the registry to remove its entry.
	mu       sync.Mutex
	devices  map[string]DeviceIdentity
	sessions map[string]*session.Session

	profiles  *session.ProfileRegistry
	transport transport.Transport
	logger    *logrus.Logger
	opts      session.Options
}

// New creates an empty registry. Sessions it creates use the given transport
// and profile registry.
func New(profiles *session.ProfileRegistry, tr transport.Transport, logger *logrus.Logger, opts session.Options) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		devices:   make(map[string]DeviceIdentity),
		sessions:  make(map[string]*session.Session),
		profiles:  profiles,
		transport: tr,
		logger:    logger,
		opts:      opts,
	}
}

// Register adds a device identity. Registering an already-known ID fails.
func (r *Registry) Register(identity DeviceIdentity) error {
	if identity.ID == "" {
		return fmt.Errorf("device id must not be empty")
	}
	if _, err := reading.ParseDeviceType(string(identity.Type)); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.devices[identity.ID]; exists {
		r.mu.Unlock()
		return &AlreadyRegisteredError{DeviceID: identity.ID}
	}
	r.devices[identity.ID] = identity
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"device": identity.ID,
		"type":   identity.Type,
	}).Info("Device registered")
	return nil
}

// Lookup returns the identity for a device ID.
func (r *Registry) Lookup(deviceID string) (DeviceIdentity, error) {
	r.mu.Lock()
	identity, ok := r.devices[deviceID]
	r.mu.Unlock()
	if !ok {
		return DeviceIdentity{}, &NotRegisteredError{DeviceID: deviceID}
	}
	return identity, nil
}

// Remove deletes a device and closes its session if one is live.
func (r *Registry) Remove(deviceID string) error {
	r.mu.Lock()
	if _, ok := r.devices[deviceID]; !ok {
		r.mu.Unlock()
		return &NotRegisteredError{DeviceID: deviceID}
	}
	sess := r.sessions[deviceID]
	delete(r.devices, deviceID)
	r.mu.Unlock()

	if sess != nil {
		sess.Close()
	}
	r.logger.WithField("device", deviceID).Info("Device removed")
	return nil
}

// List returns all registered identities ordered by device ID.
func (r *Registry) List() []DeviceIdentity {
	r.mu.Lock()
	out := make([]DeviceIdentity, 0, len(r.devices))
	for _, identity := range r.devices {
		out = append(out, identity)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Session returns the live session for a device, if any.
func (r *Registry) Session(deviceID string) (*session.Session, bool) {
	r.mu.Lock()
	sess, ok := r.sessions[deviceID]
	r.mu.Unlock()
	return sess, ok
}

// SessionFor returns the live session for a registered device, creating an
// idle one when none exists. Concurrent callers for the same device receive
// the same session; a device whose session closed gets a fresh one on the
// next call.
func (r *Registry) SessionFor(deviceID string) (*session.Session, error) {
	identity, err := r.Lookup(deviceID)
	if err != nil {
		return nil, err
	}
	profile, err := r.profileFor(identity)
	if err != nil {
		return nil, err
	}

	// The hook is armed before the session is published so a close can never
	// slip between insert and cleanup registration.
	fresh := session.New(deviceID, profile, r.transport, r.logger, r.opts)
	fresh.OnClosed(func(id string) {
		r.mu.Lock()
		if r.sessions[id] == fresh {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
	})

	r.mu.Lock()
	if sess, ok := r.sessions[deviceID]; ok {
		r.mu.Unlock()
		return sess, nil
	}
	r.sessions[deviceID] = fresh
	r.mu.Unlock()
	return fresh, nil
}

// profileFor resolves the profile a device should connect with: an explicit
// registration override first, the device type's priority order otherwise.
func (r *Registry) profileFor(identity DeviceIdentity) (*session.ServiceProfile, error) {
	if identity.Profile != "" {
		profile, ok := r.profiles.ByName(identity.Profile)
		if !ok {
			return nil, fmt.Errorf("device %q references unknown profile %q", identity.ID, identity.Profile)
		}
		return profile, nil
	}
	return r.profiles.PrimaryForDeviceType(identity.Type)
}

// CloseAll closes every live session. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	open := make([]*session.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		open = append(open, sess)
	}
	r.mu.Unlock()

	for _, sess := range open {
		sess.Close()
	}
}
