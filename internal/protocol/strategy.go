// Package protocol implements the competing decoding strategies for device
// notification streams: a vendor-proprietary framed layout, the standardized
// health-device profile, and a last-resort generic offset scan.
package protocol

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/curastack/medlink/internal/reading"
)

// ErrIncomplete is returned by Chain.TryDecode when no strategy considers the
// buffer complete yet; the caller should wait for the next fragment.
var ErrIncomplete = errors.New("no strategy considers the buffer complete")

// DecodeError reports that a strategy judged a buffer complete but could not
// extract a plausible reading from it.
type DecodeError struct {
	Strategy string
	Reason   string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Strategy, e.Reason)
}

// Strategy is one protocol hypothesis.
//
// LooksComplete is a cheap structural check deciding whether Decode is worth
// attempting; Decode performs the full extraction and must return a
// *DecodeError rather than guess when no hypothesis fits.
type Strategy interface {
	Name() string
	LooksComplete(buf []byte) bool
	Decode(buf []byte) (*reading.Candidate, error)
}

// Chain consults strategies in fixed priority order, stopping at the first
// successful decode.
type Chain struct {
	strategies []Strategy
	logger     *logrus.Logger
}

// NewChain builds the strategy chain for a device type. Additional vendor
// strategies extend the chain via extra; built-in entries are never modified.
//
// Blood pressure: proprietary framed first, then the standard profile, then
// the generic catch-all scan. Glucose: the standard profile only; the generic
// scan recovers blood-pressure triples and has no glucose interpretation.
func NewChain(deviceType reading.DeviceType, logger *logrus.Logger, extra ...Strategy) *Chain {
	if logger == nil {
		logger = logrus.New()
	}

	var strategies []Strategy
	switch deviceType {
	case reading.DeviceGlucose:
		strategies = []Strategy{NewStandardProfile(reading.DeviceGlucose)}
	default:
		strategies = []Strategy{
			NewTranstekFramed(),
			NewStandardProfile(reading.DeviceBloodPressure),
			NewGenericScan(),
		}
	}
	strategies = append(strategies, extra...)

	return &Chain{strategies: strategies, logger: logger}
}

// Strategies returns the chain's entries in priority order.
func (c *Chain) Strategies() []Strategy {
	return c.strategies
}

// TryDecode runs the chain against a buffer snapshot. It returns the first
// strategy's successful candidate, ErrIncomplete when no strategy considers
// the buffer complete, or the last complete strategy's decode error.
func (c *Chain) TryDecode(buf []byte) (*reading.Candidate, error) {
	var lastErr error
	for _, s := range c.strategies {
		if !s.LooksComplete(buf) {
			continue
		}
		cand, err := s.Decode(buf)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"strategy": s.Name(),
				"bytes":    len(buf),
				"error":    err,
			}).Debug("Strategy declined buffer")
			lastErr = err
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"strategy": s.Name(),
			"bytes":    len(buf),
		}).Debug("Strategy decoded buffer")
		return cand, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrIncomplete
}
