package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/thermoscope/internal/debug"
)

// State of the capture path.
type State int

const (
	Disconnected State = iota
	ConnectedIdle
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case ConnectedIdle:
		return "connected-idle"
	case Streaming:
		return "streaming"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrInvalidState is returned when an operation is not allowed from the
	// current state. The stream is left untouched.
	ErrInvalidState = errors.New("capture: invalid state transition")

	// ErrHardwareUnavailable is returned when the video device cannot be opened.
	ErrHardwareUnavailable = errors.New("capture: hardware unavailable")

	// ErrNoFrame is returned by Source.Read when no frame arrived in time.
	ErrNoFrame = errors.New("capture: no frame")
)

// Frame is one captured image. Data holds Height rows of Width*Channels bytes.
// A frame is only valid for the duration of a consumer call.
type Frame struct {
	Width     int
	Height    int
	Channels  int
	Data      []byte
	Seq       uint64
	Timestamp time.Time
}

// Consumer receives frames on the capture goroutine. streaming is false on
// the last delivery after Stop was requested. The return value is ignored.
type Consumer func(f *Frame, streaming bool) bool

// Token identifies a registered consumer.
type Token = uuid.UUID

// Source is the video hardware path.
type Source interface {
	// Open connects to the device and returns once it is delivering
	// frames or ctx expires.
	Open(ctx context.Context) error
	// Read blocks for the next frame. It returns ErrNoFrame if none
	// arrived within the source's read timeout.
	Read() (*Frame, error)
	Close() error
}

// Stats are running counters for the current process.
type Stats struct {
	Frames     uint64
	ReadErrors uint64
}

// readBackoff is the pause after a failed read, to avoid spinning on a
// device that went away.
const readBackoff = 10 * time.Millisecond

type consumerEntry struct {
	tok Token
	fn  Consumer
}

// Stream drives a Source through Disconnected, ConnectedIdle and Streaming
// and fans frames out to consumers from a dedicated goroutine.
type Stream struct {
	src         Source
	openTimeout time.Duration

	// opMu serializes transitions and is held across blocking work.
	// mu only guards state, so State never waits on an Open or a Stop.
	opMu sync.Mutex
	stop chan struct{}
	done chan struct{}

	mu    sync.Mutex
	state State

	consumersMu sync.Mutex
	consumers   []consumerEntry

	frames     atomic.Uint64
	readErrors atomic.Uint64
}

// NewStream creates a disconnected stream. openTimeout bounds Open.
func NewStream(src Source, openTimeout time.Duration) *Stream {
	if openTimeout <= 0 {
		openTimeout = 3 * time.Second
	}
	return &Stream{src: src, openTimeout: openTimeout}
}

// State returns the current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns the frame counters.
func (s *Stream) Stats() Stats {
	return Stats{
		Frames:     s.frames.Load(),
		ReadErrors: s.readErrors.Load(),
	}
}

// RegisterConsumer adds fn at the end of the delivery order.
func (s *Stream) RegisterConsumer(fn Consumer) Token {
	tok := uuid.New()
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()
	next := make([]consumerEntry, len(s.consumers), len(s.consumers)+1)
	copy(next, s.consumers)
	s.consumers = append(next, consumerEntry{tok: tok, fn: fn})
	return tok
}

// UnregisterConsumer removes the consumer registered under tok. A delivery
// already in flight may still reach it once.
func (s *Stream) UnregisterConsumer(tok Token) {
	s.consumersMu.Lock()
	defer s.consumersMu.Unlock()
	next := make([]consumerEntry, 0, len(s.consumers))
	for _, c := range s.consumers {
		if c.tok != tok {
			next = append(next, c)
		}
	}
	s.consumers = next
}

func (s *Stream) invalid(op string, st State) error {
	err := fmt.Errorf("%w: %s from %s", ErrInvalidState, op, st)
	debug.Warn("Capture: %v", err)
	return err
}

// Open connects the source. Only valid from Disconnected.
func (s *Stream) Open() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if st := s.State(); st != Disconnected {
		return s.invalid("open", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.openTimeout)
	defer cancel()

	debug.Verbose("Capture: opening source (timeout %v)", s.openTimeout)
	if err := s.src.Open(ctx); err != nil {
		_ = s.src.Close()
		return fmt.Errorf("%w: %v", ErrHardwareUnavailable, err)
	}
	s.setState(ConnectedIdle)
	debug.Info("Capture: opened")
	return nil
}

// Start launches the capture goroutine. Only valid from ConnectedIdle.
func (s *Stream) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if st := s.State(); st != ConnectedIdle {
		return s.invalid("start", st)
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	s.setState(Streaming)
	debug.Info("Capture: streaming")
	return nil
}

// Stop ends the capture goroutine and waits for it. No consumer runs after
// Stop returns. Only valid from Streaming.
//
// Consumers may call State while Stop waits; it still reports Streaming.
// They must not call Stop, Open, Start or ReleaseDevice.
func (s *Stream) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if st := s.State(); st != Streaming {
		return s.invalid("stop", st)
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
	s.setState(ConnectedIdle)
	debug.Info("Capture: stopped")
	return nil
}

// ReleaseDevice closes the source. Only valid from ConnectedIdle.
func (s *Stream) ReleaseDevice() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if st := s.State(); st != ConnectedIdle {
		return s.invalid("release", st)
	}
	err := s.src.Close()
	s.setState(Disconnected)
	debug.Info("Capture: released")
	if err != nil {
		return fmt.Errorf("capture: close source: %w", err)
	}
	return nil
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Stream) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		f, err := s.src.Read()
		stopping := isClosed(stop)

		if err != nil {
			if !errors.Is(err, ErrNoFrame) {
				s.readErrors.Add(1)
				debug.Warn("Capture: read: %v", err)
				if !stopping {
					select {
					case <-stop:
					case <-time.After(readBackoff):
					}
				}
			}
			if stopping || isClosed(stop) {
				return
			}
			continue
		}

		s.frames.Add(1)
		s.deliver(f, !stopping)
		if stopping {
			return
		}
	}
}

func (s *Stream) deliver(f *Frame, streaming bool) {
	s.consumersMu.Lock()
	consumers := s.consumers
	s.consumersMu.Unlock()

	for _, c := range consumers {
		c.fn(f, streaming)
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
