package acquire

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is matching against the typed acquisition errors.
var (
	ErrDecodeTimeout         = errors.New("decode timeout")
	ErrDecodeRejected        = errors.New("decode rejected")
	ErrAcquisitionInProgress = errors.New("acquisition already in progress")
)

// DecodeTimeoutError reports that the acquisition deadline elapsed before any
// strategy produced a reading. BytesHeld and Notifications describe what the
// buffer had accumulated, for the operator and the log.
type DecodeTimeoutError struct {
	DeviceID      string
	Deadline      time.Duration
	BytesHeld     int
	Notifications int
}

func (e *DecodeTimeoutError) Error() string {
	return fmt.Sprintf("device %s: no decodable reading within %s (%d bytes across %d notifications)",
		e.DeviceID, e.Deadline, e.BytesHeld, e.Notifications)
}

func (e *DecodeTimeoutError) Is(target error) bool { return target == ErrDecodeTimeout }

// DecodeRejectedError reports that a strategy decoded a candidate but the
// validator refused it.
type DecodeRejectedError struct {
	DeviceID string
	Strategy string
	Reason   string
}

func (e *DecodeRejectedError) Error() string {
	return fmt.Sprintf("device %s: %s candidate rejected: %s", e.DeviceID, e.Strategy, e.Reason)
}

func (e *DecodeRejectedError) Is(target error) bool { return target == ErrDecodeRejected }

// InProgressError reports a second concurrent acquisition against the same
// device.
type InProgressError struct {
	DeviceID string
}

func (e *InProgressError) Error() string {
	return fmt.Sprintf("device %s: an acquisition is already in progress", e.DeviceID)
}

func (e *InProgressError) Is(target error) bool { return target == ErrAcquisitionInProgress }
