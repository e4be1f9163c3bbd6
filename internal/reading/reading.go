// Package reading defines decoded clinical readings and their validation.
package reading

import (
	"fmt"
	"time"
)

// DeviceType selects which class of meter an acquisition targets.
type DeviceType string

const (
	DeviceBloodPressure DeviceType = "bp"
	DeviceGlucose       DeviceType = "glucose"
)

// ParseDeviceType validates a user-supplied device type string.
func ParseDeviceType(s string) (DeviceType, error) {
	switch DeviceType(s) {
	case DeviceBloodPressure, DeviceGlucose:
		return DeviceType(s), nil
	default:
		return "", fmt.Errorf("invalid device type %q: use bp or glucose", s)
	}
}

// Confidence classifies how trustworthy a reading's source is.
type Confidence string

const (
	// ConfidenceDeviceConfirmed marks values decoded from a published,
	// vendor-neutral measurement layout.
	ConfidenceDeviceConfirmed Confidence = "device-confirmed"
	// ConfidenceHeuristicAccepted marks values recovered by offset-scanning
	// heuristics that passed every plausibility check.
	ConfidenceHeuristicAccepted Confidence = "heuristic-accepted"
	// ConfidenceManualFallback marks values keyed in by a human after
	// acquisition failed. Never produced by a decoder.
	ConfidenceManualFallback Confidence = "manual-fallback"
)

// GlucoseContext labels the measurement context of a glucose reading.
type GlucoseContext string

// Fixed lookup for the 4-bit context-type code in the glucose layout. Codes
// outside the table map to ContextUnknown.
var glucoseContexts = map[uint8]GlucoseContext{
	1: "fasting",
	2: "post-meal",
	3: "pre-meal",
	4: "random",
	5: "bedtime",
	6: "exercise",
	7: "medication",
	8: "stress",
}

// ContextUnknown is used for unrecognized context-type codes.
const ContextUnknown GlucoseContext = "unknown"

// GlucoseContextForCode maps a 4-bit context code to its label.
func GlucoseContextForCode(code uint8) GlucoseContext {
	if ctx, ok := glucoseContexts[code&0x0F]; ok {
		return ctx
	}
	return ContextUnknown
}

// BloodPressure holds one cuff measurement in conventional clinical units.
type BloodPressure struct {
	Systolic  int `json:"systolic_mmhg"`
	Diastolic int `json:"diastolic_mmhg"`
	Pulse     int `json:"pulse_bpm"`
}

// Glucose holds one meter measurement.
type Glucose struct {
	Concentration int            `json:"concentration_mgdl"`
	Context       GlucoseContext `json:"context"`
}

// Candidate is a decoder's raw output, before validation. Exactly one of
// BloodPressure/Glucose is set, matching Type.
type Candidate struct {
	Type          DeviceType
	BloodPressure *BloodPressure
	Glucose       *Glucose

	// Strategy names the decoder that produced the candidate.
	Strategy string
	// Authoritative marks candidates decoded from a published layout; the
	// validator skips plausibility re-checks for those.
	Authoritative bool
}

// Reading is a validated measurement handed to collaborators. Immutable once
// produced.
type Reading struct {
	Type          DeviceType     `json:"type"`
	BloodPressure *BloodPressure `json:"blood_pressure,omitempty"`
	Glucose       *Glucose       `json:"glucose,omitempty"`
	Strategy      string         `json:"strategy"`
	Confidence    Confidence     `json:"confidence"`
	Timestamp     time.Time      `json:"timestamp"`
}

// String renders the reading for logs and CLI output.
func (r *Reading) String() string {
	switch r.Type {
	case DeviceBloodPressure:
		bp := r.BloodPressure
		return fmt.Sprintf("%d/%d mmHg, pulse %d bpm (%s)", bp.Systolic, bp.Diastolic, bp.Pulse, r.Confidence)
	case DeviceGlucose:
		g := r.Glucose
		return fmt.Sprintf("%d mg/dL %s (%s)", g.Concentration, g.Context, r.Confidence)
	default:
		return fmt.Sprintf("unknown reading type %q", r.Type)
	}
}

// NewManualBloodPressure builds a manual-fallback reading from operator input.
// It is the only constructor for manual values; decoders never fabricate one.
func NewManualBloodPressure(systolic, diastolic, pulse int) *Reading {
	return &Reading{
		Type:          DeviceBloodPressure,
		BloodPressure: &BloodPressure{Systolic: systolic, Diastolic: diastolic, Pulse: pulse},
		Strategy:      "manual",
		Confidence:    ConfidenceManualFallback,
		Timestamp:     time.Now(),
	}
}

// NewManualGlucose builds a manual-fallback glucose reading.
func NewManualGlucose(concentration int, ctx GlucoseContext) *Reading {
	if ctx == "" {
		ctx = ContextUnknown
	}
	return &Reading{
		Type:       DeviceGlucose,
		Glucose:    &Glucose{Concentration: concentration, Context: ctx},
		Strategy:   "manual",
		Confidence: ConfidenceManualFallback,
		Timestamp:  time.Now(),
	}
}
