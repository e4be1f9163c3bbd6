package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/curastack/medlink/internal/reading"
)

// Published health-device measurement layouts. Both start with a flags byte
// and use little-endian multi-byte fields.
//
// Blood pressure: flags, uint16 systolic, uint16 diastolic, uint16 pulse.
// Glucose: flags, uint16 sequence number, 7-byte timestamp (uint16 year,
// month, day, hour, minute, second), uint16 concentration in mg/dL, and a
// context byte whose low nibble indexes the context-type table.
const (
	standardBPMinLen      = 7
	standardGlucoseMinLen = 13

	glucoseSeqOff     = 1
	glucoseTimeOff    = 3
	glucoseConcOff    = 10
	glucoseContextOff = 12
)

// StandardProfile decodes the standardized health-device measurement layout
// for one device type. Its output is treated as authoritative device output:
// the validator classifies it device-confirmed and only invariant-checks it.
type StandardProfile struct {
	deviceType reading.DeviceType
}

// NewStandardProfile creates the standard-profile strategy for a device type.
func NewStandardProfile(deviceType reading.DeviceType) *StandardProfile {
	return &StandardProfile{deviceType: deviceType}
}

func (s *StandardProfile) Name() string {
	return fmt.Sprintf("standard-%s", s.deviceType)
}

// LooksComplete is simply the fixed minimum length of the known layout.
func (s *StandardProfile) LooksComplete(buf []byte) bool {
	if s.deviceType == reading.DeviceGlucose {
		return len(buf) >= standardGlucoseMinLen
	}
	return len(buf) >= standardBPMinLen
}

func (s *StandardProfile) Decode(buf []byte) (*reading.Candidate, error) {
	if !s.LooksComplete(buf) {
		return nil, &DecodeError{Strategy: s.Name(), Reason: "buffer shorter than the fixed measurement layout"}
	}
	if s.deviceType == reading.DeviceGlucose {
		return s.decodeGlucose(buf), nil
	}
	return s.decodeBloodPressure(buf), nil
}

func (s *StandardProfile) decodeBloodPressure(buf []byte) *reading.Candidate {
	// buf[0] is the flags byte; units and optional-field bits are ignored
	// because the resolved profile already fixes the layout.
	return &reading.Candidate{
		Type: reading.DeviceBloodPressure,
		BloodPressure: &reading.BloodPressure{
			Systolic:  int(binary.LittleEndian.Uint16(buf[1:3])),
			Diastolic: int(binary.LittleEndian.Uint16(buf[3:5])),
			Pulse:     int(binary.LittleEndian.Uint16(buf[5:7])),
		},
		Strategy:      s.Name(),
		Authoritative: true,
	}
}

func (s *StandardProfile) decodeGlucose(buf []byte) *reading.Candidate {
	// The sequence number and timestamp fields (see the offset constants) are
	// skipped; readings carry their own acquisition timestamp.
	concentration := int(binary.LittleEndian.Uint16(buf[glucoseConcOff : glucoseConcOff+2]))
	ctx := reading.GlucoseContextForCode(buf[glucoseContextOff] & 0x0F)

	return &reading.Candidate{
		Type: reading.DeviceGlucose,
		Glucose: &reading.Glucose{
			Concentration: concentration,
			Context:       ctx,
		},
		Strategy:      s.Name(),
		Authoritative: true,
	}
}
