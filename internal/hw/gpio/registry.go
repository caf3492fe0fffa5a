package gpio

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cjeanneret/thermoscope/internal/debug"
)

// Token identifies an observer registration. It is returned by
// RegisterObserver and passed back to Unregister.
type Token = uuid.UUID

// Observer is notified of every transition on a line.
// It runs on the edge-delivery goroutine and must not block.
type Observer func(line int, level Level)

// Registry owns the shared chip handle and tracks which lines are claimed.
// The chip is opened by the first Claim and closed when the last
// EdgeSource is released.
type Registry struct {
	chip Chip

	mu      sync.Mutex
	refs    int
	claimed map[int]*EdgeSource
}

// NewRegistry creates a registry over chip. The chip is not opened until
// the first line is claimed.
func NewRegistry(chip Chip) *Registry {
	return &Registry{
		chip:    chip,
		claimed: make(map[int]*EdgeSource),
	}
}

// Claim takes exclusive ownership of line as a pulled-up input and starts
// edge delivery for it.
func (r *Registry) Claim(line int) (*EdgeSource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.claimed[line]; ok {
		return nil, fmt.Errorf("%w: %d", ErrLineClaimed, line)
	}

	if r.refs == 0 {
		if err := r.chip.Open(); err != nil {
			return nil, fmt.Errorf("%w: open chip: %v", ErrHardwareUnavailable, err)
		}
		debug.Info("GPIO chip opened")
	}

	l, err := r.chip.ClaimInput(line)
	if err != nil {
		r.closeIfUnused()
		return nil, fmt.Errorf("%w: claim line %d: %v", ErrHardwareUnavailable, line, err)
	}

	src := &EdgeSource{
		registry: r,
		line:     line,
		hw:       l,
	}
	if err := l.Watch(src.notify); err != nil {
		_ = l.Release()
		r.closeIfUnused()
		return nil, fmt.Errorf("%w: watch line %d: %v", ErrHardwareUnavailable, line, err)
	}

	r.refs++
	r.claimed[line] = src
	debug.GPIO("Claim", line, "pull-up input")
	return src, nil
}

// Claimed reports the number of lines currently held.
func (r *Registry) Claimed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

func (r *Registry) release(src *EdgeSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.claimed[src.line] != src {
		return nil
	}
	delete(r.claimed, src.line)
	r.refs--

	err := src.hw.Release()
	debug.GPIO("Release", src.line, nil)
	if cerr := r.closeIfUnused(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// closeIfUnused closes the chip when no line holds a reference.
// Must be called with r.mu held.
func (r *Registry) closeIfUnused() error {
	if r.refs != 0 {
		return nil
	}
	debug.Info("GPIO chip closed")
	return r.chip.Close()
}

// EdgeSource is one claimed GPIO line with its observers.
type EdgeSource struct {
	registry *Registry
	line     int
	hw       Line

	mu        sync.RWMutex
	observers []registration
	released  bool
}

type registration struct {
	token Token
	fn    Observer
}

// Line returns the line number.
func (s *EdgeSource) Line() int {
	return s.line
}

// Read returns the current level. A read failure is logged and reported
// as High, the idle level of a pulled-up line.
func (s *EdgeSource) Read() Level {
	lvl, err := s.hw.Read()
	if err != nil {
		debug.Error(fmt.Errorf("read gpio%d: %w", s.line, err))
		return High
	}
	return lvl
}

// RegisterObserver adds fn to the observer list and returns its token.
func (s *EdgeSource) RegisterObserver(fn Observer) Token {
	tok := uuid.New()
	s.mu.Lock()
	s.observers = append(s.observers, registration{token: tok, fn: fn})
	s.mu.Unlock()
	return tok
}

// Unregister removes the observer registered under tok. Unknown tokens
// are ignored.
func (s *EdgeSource) Unregister(tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, reg := range s.observers {
		if reg.token == tok {
			s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
			return
		}
	}
}

// Release gives the line back and drops the chip reference.
// Calling it more than once is a no-op.
func (s *EdgeSource) Release() error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	s.observers = nil
	s.mu.Unlock()
	return s.registry.release(s)
}

func (s *EdgeSource) notify(level Level) {
	debug.GPIO("Edge", s.line, level)

	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()

	for _, reg := range observers {
		reg.fn(s.line, level)
	}
}
