package session

import (
	"fmt"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/curastack/medlink/internal/reading"
)

// ServiceProfile names the protocol-specific identifiers a session uses to
// find its notification source: a primary service, candidate characteristics,
// and a byte-pattern hint used only as a last-resort heuristic. Profiles are
// immutable once registered.
type ServiceProfile struct {
	Name                string
	ServiceUUIDs        []string
	CharacteristicUUIDs []string
	// MarkerHint lists leading bytes a frame from this profile may start
	// with. Purely a heuristic; never required for a match.
	MarkerHint []byte
	// AcquireTimeout bounds one acquisition attempt over this profile.
	AcquireTimeout time.Duration
	// DeviceTypes lists the meter classes this profile serves.
	DeviceTypes []reading.DeviceType
}

// servesType reports whether the profile covers a device type.
func (p *ServiceProfile) servesType(dt reading.DeviceType) bool {
	for _, t := range p.DeviceTypes {
		if t == dt {
			return true
		}
	}
	return false
}

// ProfileRegistry holds service profiles in registration order, which is also
// their resolution priority. Built-in profiles are registered first; vendor
// additions go in new entries, never edits to existing ones.
type ProfileRegistry struct {
	profiles *orderedmap.OrderedMap[string, *ServiceProfile]
}

// NewProfileRegistry creates a registry pre-populated with the two built-in
// profiles: the vendor-proprietary framed protocol and the standard
// health-device profile.
func NewProfileRegistry() *ProfileRegistry {
	r := &ProfileRegistry{profiles: orderedmap.New[string, *ServiceProfile]()}

	// Vendor cuffs expose a custom service with a notify characteristic and
	// frame readings behind 0xAA/0x55 markers.
	_ = r.Register(&ServiceProfile{
		Name:                "transtek-framed",
		ServiceUUIDs:        []string{"fff0", "ffe0"},
		CharacteristicUUIDs: []string{"fff4", "ffe4"},
		MarkerHint:          []byte{0xAA, 0x55},
		AcquireTimeout:      60 * time.Second,
		DeviceTypes:         []reading.DeviceType{reading.DeviceBloodPressure},
	})

	// Published profiles: Blood Pressure (0x1810, measurement 0x2A35) and
	// Glucose (0x1808, measurement 0x2A18).
	_ = r.Register(&ServiceProfile{
		Name:                "standard-health",
		ServiceUUIDs:        []string{"1810", "1808"},
		CharacteristicUUIDs: []string{"2a35", "2a18"},
		AcquireTimeout:      30 * time.Second,
		DeviceTypes:         []reading.DeviceType{reading.DeviceBloodPressure, reading.DeviceGlucose},
	})

	return r
}

// Register adds a profile. Registration order is resolution priority;
// re-registering an existing name is refused.
func (r *ProfileRegistry) Register(p *ServiceProfile) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("profile must have a name")
	}
	if _, exists := r.profiles.Get(p.Name); exists {
		return fmt.Errorf("profile %q already registered", p.Name)
	}
	r.profiles.Set(p.Name, p)
	return nil
}

// ByName looks up a profile.
func (r *ProfileRegistry) ByName(name string) (*ServiceProfile, bool) {
	return r.profiles.Get(name)
}

// ForDeviceType returns the profiles serving a device type, in priority
// order.
func (r *ProfileRegistry) ForDeviceType(dt reading.DeviceType) []*ServiceProfile {
	var out []*ServiceProfile
	for pair := r.profiles.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.servesType(dt) {
			out = append(out, pair.Value)
		}
	}
	return out
}

// PrimaryForDeviceType returns the highest-priority profile for a device
// type.
func (r *ProfileRegistry) PrimaryForDeviceType(dt reading.DeviceType) (*ServiceProfile, error) {
	profiles := r.ForDeviceType(dt)
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no service profile registered for device type %q", dt)
	}
	return profiles[0], nil
}

// AllServiceUUIDs returns the service identifiers of every profile serving a
// device type, in priority order, for use as optional services on accept-all
// discovery.
func (r *ProfileRegistry) AllServiceUUIDs(dt reading.DeviceType) []string {
	var out []string
	for _, p := range r.ForDeviceType(dt) {
		out = append(out, p.ServiceUUIDs...)
	}
	return out
}
