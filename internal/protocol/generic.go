package protocol

import (
	"github.com/curastack/medlink/internal/reading"
)

// GenericScan is the final-fallback strategy: the same brute-force offset
// scan the proprietary decoder ends with, but independent of any marker byte,
// so entirely unrecognized framings still have a chance of producing a
// plausible reading.
type GenericScan struct{}

// NewGenericScan creates the catch-all scan strategy.
func NewGenericScan() *GenericScan {
	return &GenericScan{}
}

func (g *GenericScan) Name() string { return "generic-scan" }

// LooksComplete requires only enough bytes for one candidate triple.
func (g *GenericScan) LooksComplete(buf []byte) bool {
	return len(buf) >= 5
}

func (g *GenericScan) Decode(buf []byte) (*reading.Candidate, error) {
	bp := scanForTriple(buf)
	if bp == nil {
		return nil, &DecodeError{Strategy: g.Name(), Reason: "no offset yields a plausible triple"}
	}
	return &reading.Candidate{
		Type:          reading.DeviceBloodPressure,
		BloodPressure: bp,
		Strategy:      g.Name(),
	}, nil
}
