package rotary

import (
	"testing"

	"github.com/cjeanneret/thermoscope/internal/hw/gpio"
)

const (
	pinA   = 20
	pinB   = 21
	pinBtn = 16
)

type rig struct {
	chip *gpio.MockChip
	a    *gpio.EdgeSource
	b    *gpio.EdgeSource
	btn  *gpio.EdgeSource
	enc  *Encoder

	steps  []Direction
	clicks []bool
}

func newRig(t *testing.T) *rig {
	t.Helper()
	chip := gpio.NewMockChip()
	reg := gpio.NewRegistry(chip)

	r := &rig{chip: chip}
	var err error
	if r.a, err = reg.Claim(pinA); err != nil {
		t.Fatalf("claim A: %v", err)
	}
	if r.b, err = reg.Claim(pinB); err != nil {
		t.Fatalf("claim B: %v", err)
	}
	if r.btn, err = reg.Claim(pinBtn); err != nil {
		t.Fatalf("claim button: %v", err)
	}
	r.enc = New(r.a, r.b, r.btn)
	r.enc.SetOnStep(func(d Direction) { r.steps = append(r.steps, d) })
	r.enc.SetOnClick(func(p bool) { r.clicks = append(r.clicks, p) })

	t.Cleanup(func() {
		r.enc.Close()
		r.a.Release()
		r.b.Release()
		r.btn.Release()
	})
	return r
}

// walk drives the phase lines through the given (A, B) states, changing
// one line at a time like a real quadrature encoder.
func (r *rig) walk(states ...[2]gpio.Level) {
	for _, s := range states {
		if r.a.Read() != s[0] {
			r.chip.Drive(pinA, s[0])
		}
		if r.b.Read() != s[1] {
			r.chip.Drive(pinB, s[1])
		}
	}
}

var (
	hh = [2]gpio.Level{gpio.High, gpio.High}
	hl = [2]gpio.Level{gpio.High, gpio.Low}
	ll = [2]gpio.Level{gpio.Low, gpio.Low}
	lh = [2]gpio.Level{gpio.Low, gpio.High}
)

func TestEncoder_ForwardDetentFiresOneIncrement(t *testing.T) {
	r := newRig(t)
	r.walk(hl, ll, lh, hh)

	if len(r.steps) != 1 || r.steps[0] != Increment {
		t.Fatalf("steps = %v, want [increment]", r.steps)
	}
}

func TestEncoder_ReverseDetentFiresOneDecrement(t *testing.T) {
	r := newRig(t)
	r.walk(lh, ll, hl, hh)

	if len(r.steps) != 1 || r.steps[0] != Decrement {
		t.Fatalf("steps = %v, want [decrement]", r.steps)
	}
}

func TestEncoder_ConsecutiveDetents(t *testing.T) {
	r := newRig(t)
	r.walk(hl, ll, lh, hh)
	r.walk(hl, ll, lh, hh)
	r.walk(lh, ll, hl, hh)

	want := []Direction{Increment, Increment, Decrement}
	if len(r.steps) != len(want) {
		t.Fatalf("steps = %v, want %v", r.steps, want)
	}
	for i := range want {
		if r.steps[i] != want[i] {
			t.Errorf("step %d = %v, want %v", i, r.steps[i], want[i])
		}
	}
}

func TestEncoder_BounceWithoutFullPatternFiresNothing(t *testing.T) {
	cases := []struct {
		name   string
		states [][2]gpio.Level
	}{
		{"b_chatter", [][2]gpio.Level{hl, hh, hl, hh}},
		{"a_chatter", [][2]gpio.Level{lh, hh, lh, hh, lh, hh}},
		{"half_turn_back", [][2]gpio.Level{hl, ll, hl, hh}},
		{"three_quarter_then_wobble", [][2]gpio.Level{hl, ll, lh, ll, hl, ll}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t)
			r.walk(tc.states...)
			if len(r.steps) != 0 {
				t.Errorf("bounce produced steps %v, want none", r.steps)
			}
		})
	}
}

func TestEncoder_OnlyLastFourSamplesCount(t *testing.T) {
	r := newRig(t)
	// Three quarters forward, then back to rest. Only the last four
	// samples (lh, ll, hl, hh) are matched: A=0011 B=1001 is a full
	// reverse detent, so one decrement fires.
	r.walk(hl, ll, lh, ll, hl, hh)

	if len(r.steps) != 1 || r.steps[0] != Decrement {
		t.Fatalf("steps = %v, want [decrement]", r.steps)
	}
}

func TestEncoder_BounceThenCompletedDetent(t *testing.T) {
	r := newRig(t)
	r.walk(hl, hh, hl, ll, lh, hh)

	if len(r.steps) != 1 || r.steps[0] != Increment {
		t.Fatalf("steps = %v, want [increment]", r.steps)
	}
}

func TestEncoder_NoDoubleFireAfterDetent(t *testing.T) {
	r := newRig(t)
	r.walk(hl, ll, lh, hh)
	// trailing chatter on A right after the detent completed
	r.walk(lh, hh)

	if len(r.steps) != 1 {
		t.Fatalf("steps = %v, want exactly one", r.steps)
	}
}

func TestEncoder_ClickOncePerButtonEdge(t *testing.T) {
	r := newRig(t)

	r.chip.Drive(pinBtn, gpio.Low)
	r.btn.Read()
	r.btn.Read()
	r.chip.Drive(pinBtn, gpio.High)
	r.btn.Read()
	r.chip.Drive(pinBtn, gpio.Low)

	want := []bool{true, false, true}
	if len(r.clicks) != len(want) {
		t.Fatalf("clicks = %v, want %v", r.clicks, want)
	}
	for i := range want {
		if r.clicks[i] != want[i] {
			t.Errorf("click %d = %v, want %v", i, r.clicks[i], want[i])
		}
	}
}

func TestEncoder_MissingCallbacksDropEvents(t *testing.T) {
	r := newRig(t)
	r.enc.ClearOnStep()
	r.enc.ClearOnClick()

	r.walk(hl, ll, lh, hh)
	r.chip.Drive(pinBtn, gpio.Low)

	if len(r.steps) != 0 || len(r.clicks) != 0 {
		t.Errorf("events delivered after clearing callbacks: steps=%v clicks=%v", r.steps, r.clicks)
	}
}

func TestEncoder_CloseDetachesObservers(t *testing.T) {
	r := newRig(t)
	r.enc.Close()

	r.walk(hl, ll, lh, hh)
	r.chip.Drive(pinBtn, gpio.Low)

	if len(r.steps) != 0 || len(r.clicks) != 0 {
		t.Errorf("events delivered after Close: steps=%v clicks=%v", r.steps, r.clicks)
	}
}

func TestEncoder_IndependentEncoders(t *testing.T) {
	top := newRig(t)
	side := newRig(t)

	top.walk(hl, ll, lh, hh)
	side.walk(lh, ll, hl, hh)

	if len(top.steps) != 1 || top.steps[0] != Increment {
		t.Errorf("top steps = %v", top.steps)
	}
	if len(side.steps) != 1 || side.steps[0] != Decrement {
		t.Errorf("side steps = %v", side.steps)
	}
}

func TestDirection_Delta(t *testing.T) {
	if Increment.Delta() != 1 || Decrement.Delta() != -1 {
		t.Errorf("Delta: increment=%d decrement=%d", Increment.Delta(), Decrement.Delta())
	}
}
