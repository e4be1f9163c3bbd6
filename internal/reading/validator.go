package reading

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Physiologically plausible bounds. Values outside these are rejected, never
// clamped.
const (
	SystolicMin  = 80
	SystolicMax  = 200
	DiastolicMin = 40
	DiastolicMax = 130
	PulseMin     = 40
	PulseMax     = 180
	GlucoseMin   = 20
	GlucoseMax   = 600
)

// RejectionError describes why a structurally complete candidate was refused.
// A rejection is not terminal for an acquisition; the caller keeps waiting for
// more data.
type RejectionError struct {
	Strategy string
	Reason   string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("candidate from %s rejected: %s", e.Strategy, e.Reason)
}

// Validator range-checks decoded candidates and assigns their confidence
// classification.
type Validator struct {
	logger *logrus.Logger
}

// NewValidator creates a validator.
func NewValidator(logger *logrus.Logger) *Validator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Validator{logger: logger}
}

// Validate confirms a candidate and produces a Reading.
//
// Authoritative candidates (published layout) are classified device-confirmed
// and only invariant-checked. Heuristic candidates must pass every range
// check to be classified heuristic-accepted; any violation rejects the
// candidate outright.
func (v *Validator) Validate(c *Candidate) (*Reading, error) {
	if c == nil {
		return nil, &RejectionError{Strategy: "unknown", Reason: "nil candidate"}
	}

	switch c.Type {
	case DeviceBloodPressure:
		if c.BloodPressure == nil {
			return nil, &RejectionError{Strategy: c.Strategy, Reason: "blood-pressure candidate without values"}
		}
		if err := v.checkBloodPressure(c); err != nil {
			return nil, err
		}
	case DeviceGlucose:
		if c.Glucose == nil {
			return nil, &RejectionError{Strategy: c.Strategy, Reason: "glucose candidate without values"}
		}
		if err := v.checkGlucose(c); err != nil {
			return nil, err
		}
	default:
		return nil, &RejectionError{Strategy: c.Strategy, Reason: fmt.Sprintf("unknown reading type %q", c.Type)}
	}

	confidence := ConfidenceHeuristicAccepted
	if c.Authoritative {
		confidence = ConfidenceDeviceConfirmed
	}

	r := &Reading{
		Type:          c.Type,
		BloodPressure: c.BloodPressure,
		Glucose:       c.Glucose,
		Strategy:      c.Strategy,
		Confidence:    confidence,
		Timestamp:     time.Now(),
	}

	v.logger.WithFields(logrus.Fields{
		"strategy":   c.Strategy,
		"confidence": confidence,
		"reading":    r.String(),
	}).Debug("Candidate validated")
	return r, nil
}

func (v *Validator) checkBloodPressure(c *Candidate) error {
	bp := c.BloodPressure

	// The systolic > diastolic invariant holds for every accepted reading,
	// authoritative or not.
	if bp.Systolic <= bp.Diastolic {
		return &RejectionError{
			Strategy: c.Strategy,
			Reason:   fmt.Sprintf("systolic %d not greater than diastolic %d", bp.Systolic, bp.Diastolic),
		}
	}

	if c.Authoritative {
		return nil
	}

	if bp.Systolic < SystolicMin || bp.Systolic > SystolicMax {
		return &RejectionError{Strategy: c.Strategy, Reason: fmt.Sprintf("systolic %d outside [%d,%d]", bp.Systolic, SystolicMin, SystolicMax)}
	}
	if bp.Diastolic < DiastolicMin || bp.Diastolic > DiastolicMax {
		return &RejectionError{Strategy: c.Strategy, Reason: fmt.Sprintf("diastolic %d outside [%d,%d]", bp.Diastolic, DiastolicMin, DiastolicMax)}
	}
	if bp.Pulse < PulseMin || bp.Pulse > PulseMax {
		return &RejectionError{Strategy: c.Strategy, Reason: fmt.Sprintf("pulse %d outside [%d,%d]", bp.Pulse, PulseMin, PulseMax)}
	}
	return nil
}

func (v *Validator) checkGlucose(c *Candidate) error {
	if c.Authoritative {
		return nil
	}
	g := c.Glucose
	if g.Concentration < GlucoseMin || g.Concentration > GlucoseMax {
		return &RejectionError{Strategy: c.Strategy, Reason: fmt.Sprintf("concentration %d outside [%d,%d]", g.Concentration, GlucoseMin, GlucoseMax)}
	}
	return nil
}

// PlausibleBloodPressureTriple reports whether a systolic/diastolic/pulse
// triple falls inside every plausibility range. Decoders use this to judge
// layout hypotheses; it deliberately does not include the systolic>diastolic
// invariant, which only the validator enforces.
func PlausibleBloodPressureTriple(systolic, diastolic, pulse int) bool {
	return systolic >= SystolicMin && systolic <= SystolicMax &&
		diastolic >= DiastolicMin && diastolic <= DiastolicMax &&
		pulse >= PulseMin && pulse <= PulseMax
}
