package gpio

import (
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/thermoscope/internal/debug"
)

// Level represents the logical state of a GPIO line.
type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "High"
	}
	return "Low"
}

var (
	// ErrHardwareUnavailable is returned when the GPIO chip cannot be opened
	// or a line cannot be claimed as a pulled-up input.
	ErrHardwareUnavailable = errors.New("gpio: hardware unavailable")

	// ErrLineClaimed is returned when a line is already held by another EdgeSource.
	ErrLineClaimed = errors.New("gpio: line already claimed")
)

// Chip is one GPIO controller backend. Open and Close are driven by the
// Registry's reference count; ClaimInput is only called while the chip is open.
type Chip interface {
	Open() error
	Close() error
	// ClaimInput configures line as an input with the pull-up enabled.
	ClaimInput(line int) (Line, error)
}

// Line is a claimed input line on a Chip.
type Line interface {
	Read() (Level, error)
	// Watch starts edge delivery. onEdge is called once per transition
	// with the level after the transition. It is called at most once
	// concurrently for a given line.
	Watch(onEdge func(Level)) error
	// Release stops edge delivery and returns the line to the chip.
	Release() error
}

// Backend names accepted by NewChip.
const (
	BackendRPio   = "rpio"
	BackendPeriph = "periph"
	BackendMock   = "mock"
)

// NewChip creates a GPIO chip for the chosen backend.
// pollInterval is only used by the rpio backend, which has no interrupt
// delivery and samples its edge-detect register instead.
func NewChip(backend string, pollInterval time.Duration) (Chip, error) {
	switch backend {
	case BackendMock:
		debug.Info("Using MOCK GPIO chip (development mode)")
		return NewMockChip(), nil
	case BackendRPio, "":
		return NewRPioChip(pollInterval), nil
	case BackendPeriph:
		return NewPeriphChip(), nil
	default:
		return nil, fmt.Errorf("unsupported gpio backend: %s", backend)
	}
}
