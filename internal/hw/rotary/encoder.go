package rotary

import (
	"sync"

	"github.com/cjeanneret/thermoscope/internal/debug"
	"github.com/cjeanneret/thermoscope/internal/hw/gpio"
)

// Direction of one detent.
type Direction int8

const (
	Decrement Direction = -1
	Increment Direction = 1
)

func (d Direction) String() string {
	if d == Increment {
		return "increment"
	}
	return "decrement"
}

// Delta returns +1 for Increment and -1 for Decrement.
func (d Direction) Delta() int {
	return int(d)
}

// Input is a GPIO line the encoder listens to. *gpio.EdgeSource implements it.
type Input interface {
	Line() int
	Read() gpio.Level
	RegisterObserver(fn gpio.Observer) gpio.Token
	Unregister(tok gpio.Token)
}

// Phase histories for one full detent, oldest sample in the high bit.
// A reads 1,0,0,1 and B reads 0,0,1,1 when turning forward from the
// pulled-up rest position (both High).
const (
	historyMask = 0b1111
	forwardA    = 0b1001
	forwardB    = 0b0011
)

// Encoder decodes a quadrature rotary encoder with a push button.
//
// Each edge on either phase shifts the current A and B levels into a 4-bit
// history per phase. A step is reported only when both histories match a
// complete detent, so contact bounce that never finishes the pattern
// produces nothing. The histories are cleared after each reported step.
//
// The button is active-low: a Low level is reported as pressed.
type Encoder struct {
	a, b, btn Input
	tokens    []tokenFor

	mu      sync.Mutex
	seqA    uint8
	seqB    uint8
	onStep  func(Direction)
	onClick func(pressed bool)
}

type tokenFor struct {
	in  Input
	tok gpio.Token
}

// New creates an encoder listening on phase lines a, b and button line btn.
func New(a, b, btn Input) *Encoder {
	e := &Encoder{a: a, b: b, btn: btn}
	e.tokens = []tokenFor{
		{a, a.RegisterObserver(e.onPhaseEdge)},
		{b, b.RegisterObserver(e.onPhaseEdge)},
		{btn, btn.RegisterObserver(e.onButtonEdge)},
	}
	debug.Verbose("Encoder: a=%d b=%d button=%d", a.Line(), b.Line(), btn.Line())
	return e
}

// SetOnStep sets the callback invoked once per detent.
func (e *Encoder) SetOnStep(fn func(Direction)) {
	e.mu.Lock()
	e.onStep = fn
	e.mu.Unlock()
}

// SetOnClick sets the callback invoked on every button edge.
func (e *Encoder) SetOnClick(fn func(pressed bool)) {
	e.mu.Lock()
	e.onClick = fn
	e.mu.Unlock()
}

func (e *Encoder) ClearOnStep()  { e.SetOnStep(nil) }
func (e *Encoder) ClearOnClick() { e.SetOnClick(nil) }

// Close detaches the encoder from its lines. The lines themselves stay
// claimed; releasing them is the owner's job.
func (e *Encoder) Close() {
	for _, t := range e.tokens {
		t.in.Unregister(t.tok)
	}
	e.tokens = nil
}

func (e *Encoder) onPhaseEdge(int, gpio.Level) {
	e.mu.Lock()
	// Sample both phases: the edge only says that something moved.
	curA := e.a.Read()
	curB := e.b.Read()
	e.seqA = (e.seqA<<1 | bit(curA)) & historyMask
	e.seqB = (e.seqB<<1 | bit(curB)) & historyMask

	var dir Direction
	switch {
	case e.seqA == forwardA && e.seqB == forwardB:
		dir = Increment
	case e.seqA == forwardB && e.seqB == forwardA:
		dir = Decrement
	default:
		e.mu.Unlock()
		return
	}
	e.seqA, e.seqB = 0, 0
	fn := e.onStep
	e.mu.Unlock()

	debug.Live("Encoder %d/%d: %s", e.a.Line(), e.b.Line(), dir)
	if fn != nil {
		fn(dir)
	}
}

func (e *Encoder) onButtonEdge(_ int, level gpio.Level) {
	pressed := level == gpio.Low

	e.mu.Lock()
	fn := e.onClick
	e.mu.Unlock()

	debug.Live("Encoder button %d: pressed=%v", e.btn.Line(), pressed)
	if fn != nil {
		fn(pressed)
	}
}

func bit(l gpio.Level) uint8 {
	if l == gpio.High {
		return 1
	}
	return 0
}
