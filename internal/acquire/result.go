package acquire

import (
	"time"

	"github.com/curastack/medlink/internal/reading"
)

// Outcome classifies how an acquisition attempt ended.
type Outcome string

const (
	// OutcomeReading means a validated reading was produced from the device.
	OutcomeReading Outcome = "reading"
	// OutcomeManualEntry means the device streamed data but nothing decodable
	// emerged; the operator must key the value in by hand.
	OutcomeManualEntry Outcome = "manual_entry"
	// OutcomeFailed means the attempt ended on a transport or session error.
	OutcomeFailed Outcome = "failed"
)

// Result is the full record of one acquisition attempt.
type Result struct {
	DeviceID string           `json:"device_id"`
	Outcome  Outcome          `json:"outcome"`
	Reading  *reading.Reading `json:"reading,omitempty"`
	Err      error            `json:"-"`

	// Diagnostics for the log and the operator display.
	Elapsed       time.Duration `json:"elapsed"`
	BytesReceived int           `json:"bytes_received"`
	Notifications int           `json:"notifications"`
	Reconnected   bool          `json:"reconnected,omitempty"`
}
