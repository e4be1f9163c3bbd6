package protocol

import (
	"encoding/binary"

	"github.com/curastack/medlink/internal/reading"
)

// Frame layout observed on Transtek blood-pressure cuffs: a marker byte (0xAA
// or 0x55), a length byte counting the bytes that follow the marker, then the
// payload. Field offsets and plausibility ranges were reverse-engineered from
// one vendor's devices, not taken from a published specification; new vendor
// layouts belong in new strategies, not in edits to this one.
const (
	transtekMarkerA = 0xAA
	transtekMarkerB = 0x55
	transtekLenOff  = 1

	// Fixed offsets of the three 16-bit fields relative to frame start.
	transtekSysOff   = 2
	transtekDiaOff   = 4
	transtekPulseOff = 6
)

// TranstekFramed decodes the vendor-proprietary framed protocol.
type TranstekFramed struct{}

// NewTranstekFramed creates the proprietary framed strategy.
func NewTranstekFramed() *TranstekFramed {
	return &TranstekFramed{}
}

func (t *TranstekFramed) Name() string { return "transtek-framed" }

// LooksComplete checks for a recognized marker followed by the full length
// declared at the fixed offset. Without a marker it falls back to a secondary
// heuristic: three big-endian 16-bit integers at offsets 2-3/4-5/6-7 that all
// fall inside their plausibility ranges at once.
func (t *TranstekFramed) LooksComplete(buf []byte) bool {
	if len(buf) > transtekLenOff && (buf[0] == transtekMarkerA || buf[0] == transtekMarkerB) {
		return len(buf) >= 1+int(buf[transtekLenOff])
	}
	return fixedOffsetTriple(buf, binary.BigEndian) != nil
}

// Decode tries the layout hypotheses in order: big-endian fields at the fixed
// offsets, little-endian at the same offsets, then a brute-force scan across
// all starting offsets. The first hypothesis yielding an in-range triple
// wins; none guessing.
func (t *TranstekFramed) Decode(buf []byte) (*reading.Candidate, error) {
	if bp := fixedOffsetTriple(buf, binary.BigEndian); bp != nil {
		return t.candidate(bp), nil
	}
	if bp := fixedOffsetTriple(buf, binary.LittleEndian); bp != nil {
		return t.candidate(bp), nil
	}
	if bp := scanForTriple(buf); bp != nil {
		return t.candidate(bp), nil
	}
	return nil, &DecodeError{Strategy: t.Name(), Reason: "no layout hypothesis produced an in-range triple"}
}

func (t *TranstekFramed) candidate(bp *reading.BloodPressure) *reading.Candidate {
	return &reading.Candidate{
		Type:          reading.DeviceBloodPressure,
		BloodPressure: bp,
		Strategy:      t.Name(),
	}
}

// fixedOffsetTriple reads the three 16-bit fields at the fixed offsets with
// the given byte order and returns them when all are plausible.
func fixedOffsetTriple(buf []byte, order binary.ByteOrder) *reading.BloodPressure {
	if len(buf) < transtekPulseOff+2 {
		return nil
	}
	sys := int(order.Uint16(buf[transtekSysOff : transtekSysOff+2]))
	dia := int(order.Uint16(buf[transtekDiaOff : transtekDiaOff+2]))
	pulse := int(order.Uint16(buf[transtekPulseOff : transtekPulseOff+2]))
	if !reading.PlausibleBloodPressureTriple(sys, dia, pulse) {
		return nil
	}
	return &reading.BloodPressure{Systolic: sys, Diastolic: dia, Pulse: pulse}
}

// scanForTriple brute-forces every valid starting offset for a big-endian
// 16-bit systolic, 16-bit diastolic, 8-bit pulse triple with all three values
// in range. Returns nil when no offset yields one.
func scanForTriple(buf []byte) *reading.BloodPressure {
	for i := 0; i+5 <= len(buf); i++ {
		sys := int(binary.BigEndian.Uint16(buf[i : i+2]))
		dia := int(binary.BigEndian.Uint16(buf[i+2 : i+4]))
		pulse := int(buf[i+4])
		if reading.PlausibleBloodPressureTriple(sys, dia, pulse) {
			return &reading.BloodPressure{Systolic: sys, Diastolic: dia, Pulse: pulse}
		}
	}
	return nil
}
