package main

import (
	"errors"

	"github.com/curastack/medlink/internal/acquire"
	"github.com/curastack/medlink/internal/registry"
	"github.com/curastack/medlink/internal/session"
)

// FormatUserError maps internal errors to messages an operator can act on.
// Unrecognized errors pass through unchanged.
func FormatUserError(err error) string {
	var notRegistered *registry.NotRegisteredError
	if errors.As(err, &notRegistered) {
		return notRegistered.Error() + " (run 'medlink devices add' first, or 'medlink scan' to find its address)"
	}

	switch {
	case errors.Is(err, session.ErrDiscoveryFailed):
		return "device not found: make sure the meter is powered on and in range, then try again"
	case errors.Is(err, session.ErrLinkFailed):
		return "connection to the device was lost: move closer to the meter and retry"
	case errors.Is(err, session.ErrProfileResolutionExhausted):
		return "connected, but the device exposes no usable data stream: it may not be a supported meter"
	case errors.Is(err, acquire.ErrAcquisitionInProgress):
		return "another acquisition is already running against this device"
	}

	return err.Error()
}
