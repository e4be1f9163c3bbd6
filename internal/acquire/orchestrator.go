// Package acquire coordinates one measurement acquisition end to end: session
// startup, fragment reassembly, strategy decoding, validation, and the
// manual-entry fallback.
package acquire

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/curastack/medlink/internal/frame"
	"github.com/curastack/medlink/internal/protocol"
	"github.com/curastack/medlink/internal/reading"
	"github.com/curastack/medlink/internal/registry"
	"github.com/curastack/medlink/internal/session"
)

// Orchestrator runs acquisition attempts against registered devices.
type Orchestrator struct {
	registry  *registry.Registry
	validator *reading.Validator
	logger    *logrus.Logger

	// MaxFrameBytes caps the reassembly buffer before the attempt falls back
	// to manual entry.
	MaxFrameBytes int
}

// New creates an orchestrator over the given registry.
func New(reg *registry.Registry, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Orchestrator{
		registry:      reg,
		validator:     reading.NewValidator(logger),
		logger:        logger,
		MaxFrameBytes: frame.DefaultMaxFrameBytes,
	}
}

// Acquire attempts to obtain one validated reading from a device. A returned
// error means no attempt could run or the attempt failed outright; a
// manual-entry fallback is a completed attempt and comes back with a nil
// error and OutcomeManualEntry.
//
// The session link survives a successful attempt for reuse; cancelling ctx
// tears the session down.
func (o *Orchestrator) Acquire(ctx context.Context, deviceID string) (*Result, error) {
	identity, err := o.registry.Lookup(deviceID)
	if err != nil {
		return nil, err
	}

	sess, err := o.registry.SessionFor(deviceID)
	if err != nil {
		return nil, err
	}
	if !sess.BeginAcquisition() {
		return nil, &InProgressError{DeviceID: deviceID}
	}
	defer func() { sess.EndAcquisition() }()

	started := time.Now()
	result := &Result{DeviceID: deviceID}

	if err := sess.Start(ctx); err != nil {
		sess, err = o.reconnect(ctx, sess, result, err)
		if err != nil {
			result.Outcome = OutcomeFailed
			result.Err = err
			result.Elapsed = time.Since(started)
			return result, err
		}
	}

	buf := frame.NewBuffer()
	chain := protocol.NewChain(identity.Type, o.logger)
	deadline := sess.Profile().AcquireTimeout

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	log := o.logger.WithFields(logrus.Fields{
		"device":   deviceID,
		"type":     identity.Type,
		"deadline": deadline,
	})
	log.Info("Acquisition started")

	// The most recent validator refusal. When the deadline expires after a
	// candidate was rejected, it is a better diagnostic than a bare timeout.
	var lastRejection *DecodeRejectedError

	for {
		select {
		case <-ctx.Done():
			sess.Close()
			result.Outcome = OutcomeFailed
			result.Err = ctx.Err()
			o.finish(result, buf, started)
			return result, ctx.Err()

		case <-timer.C:
			_ = sess.StopStreaming()
			result.Outcome = OutcomeManualEntry
			result.Err = &DecodeTimeoutError{
				DeviceID:      deviceID,
				Deadline:      deadline,
				BytesHeld:     buf.Len(),
				Notifications: buf.Notifications(),
			}
			if lastRejection != nil {
				result.Err = lastRejection
			}
			o.finish(result, buf, started)
			log.WithFields(logrus.Fields{
				"bytes":         buf.Len(),
				"notifications": buf.Notifications(),
				"framed_start":  startsWithMarker(sess.Profile().MarkerHint, buf.Snapshot()),
			}).Warn("No decodable reading before deadline, falling back to manual entry")
			return result, nil

		case fragment, ok := <-sess.Fragments():
			if !ok {
				// The link dropped mid-stream. One reconnect, then give up.
				sess, err = o.reconnect(ctx, sess, result, session.ErrLinkFailed)
				if err != nil {
					result.Outcome = OutcomeFailed
					result.Err = err
					o.finish(result, buf, started)
					return result, err
				}
				buf.Reset()
				continue
			}

			// Decode before the cap check: the fragment that crosses the cap
			// may be the one that completes the frame.
			buf.Append(fragment)
			rd, rejected := o.tryDecode(chain, buf, deviceID)
			if rd != nil {
				_ = sess.StopStreaming()
				result.Outcome = OutcomeReading
				result.Reading = rd
				o.finish(result, buf, started)
				log.WithFields(logrus.Fields{
					"strategy":   rd.Strategy,
					"confidence": rd.Confidence,
					"elapsed":    result.Elapsed,
				}).Info("Reading acquired")
				return result, nil
			}
			if rejected != nil {
				lastRejection = rejected
			}

			if buf.Len() > o.MaxFrameBytes {
				_ = sess.StopStreaming()
				result.Outcome = OutcomeManualEntry
				result.Err = &DecodeTimeoutError{
					DeviceID:      deviceID,
					Deadline:      deadline,
					BytesHeld:     buf.Len(),
					Notifications: buf.Notifications(),
				}
				o.finish(result, buf, started)
				log.WithField("bytes", buf.Len()).Warn("Reassembly cap exceeded, falling back to manual entry")
				return result, nil
			}
		}
	}
}

// startsWithMarker reports whether the buffered bytes begin with one of the
// profile's frame marker bytes. In the timeout diagnostics this separates a
// truncated framed transmission from unrecognizable data.
func startsWithMarker(hint []byte, snapshot []byte) bool {
	if len(snapshot) == 0 {
		return false
	}
	for _, m := range hint {
		if snapshot[0] == m {
			return true
		}
	}
	return false
}

// tryDecode runs the strategy chain over the current buffer snapshot and
// validates any candidate. Incomplete buffers and rejected candidates keep
// the acquisition waiting for more data; a rejection is returned as a typed
// diagnostic.
func (o *Orchestrator) tryDecode(chain *protocol.Chain, buf *frame.Buffer, deviceID string) (*reading.Reading, *DecodeRejectedError) {
	candidate, err := chain.TryDecode(buf.Snapshot())
	if err != nil {
		if !errors.Is(err, protocol.ErrIncomplete) {
			o.logger.WithFields(logrus.Fields{
				"device": deviceID,
				"error":  err,
			}).Debug("Decode attempt failed, waiting for more data")
		}
		return nil, nil
	}

	rd, err := o.validator.Validate(candidate)
	if err != nil {
		o.logger.WithFields(logrus.Fields{
			"device":   deviceID,
			"strategy": candidate.Strategy,
			"error":    err,
		}).Warn("Candidate rejected, waiting for more data")

		rejected := &DecodeRejectedError{DeviceID: deviceID, Strategy: candidate.Strategy, Reason: err.Error()}
		var rejection *reading.RejectionError
		if errors.As(err, &rejection) {
			rejected.Reason = rejection.Reason
		}
		return nil, rejected
	}
	return rd, nil
}

// reconnect handles the single permitted retry after a transport failure. The
// failed session has already closed itself and left the registry, so a fresh
// one is created and claimed.
func (o *Orchestrator) reconnect(ctx context.Context, failed *session.Session, result *Result, cause error) (*session.Session, error) {
	if result.Reconnected {
		return failed, cause
	}
	if ctx.Err() != nil {
		return failed, cause
	}
	result.Reconnected = true

	o.logger.WithFields(logrus.Fields{
		"device": failed.DeviceID(),
		"error":  cause,
	}).Warn("Transport failure, attempting one reconnect")

	failed.EndAcquisition()
	fresh, err := o.registry.SessionFor(failed.DeviceID())
	if err != nil {
		return failed, err
	}
	if !fresh.BeginAcquisition() {
		return failed, &InProgressError{DeviceID: failed.DeviceID()}
	}
	if err := fresh.Start(ctx); err != nil {
		return fresh, err
	}
	return fresh, nil
}

func (o *Orchestrator) finish(result *Result, buf *frame.Buffer, started time.Time) {
	result.Elapsed = time.Since(started)
	result.BytesReceived = buf.Len()
	result.Notifications = buf.Notifications()
}
