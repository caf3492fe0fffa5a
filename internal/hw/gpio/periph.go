package gpio

import (
	"fmt"
	"sync"
	"time"

	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/cjeanneret/thermoscope/internal/debug"
)

// edgeWaitSlice bounds each WaitForEdge call so Release is never stuck
// behind a quiet line.
const edgeWaitSlice = 100 * time.Millisecond

// PeriphChip drives GPIO through periph.io. Unlike go-rpio it gets real
// edge interrupts from the kernel, so no polling interval is involved.
type PeriphChip struct {
	once    sync.Once
	initErr error
}

// NewPeriphChip creates a periph.io backed chip.
func NewPeriphChip() *PeriphChip {
	return &PeriphChip{}
}

func (c *PeriphChip) Open() error {
	c.once.Do(func() {
		debug.Info("Initializing real GPIO chip (periph.io)")
		_, c.initErr = host.Init()
	})
	if c.initErr != nil {
		return fmt.Errorf("periph host init: %w", c.initErr)
	}
	return nil
}

// Close is a no-op: periph drivers stay registered for the process lifetime
// and each line is halted on Release.
func (c *PeriphChip) Close() error {
	debug.Trace("GPIO Close (periph)")
	return nil
}

func (c *PeriphChip) ClaimInput(line int) (Line, error) {
	name := fmt.Sprintf("GPIO%d", line)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no such pin %s", name)
	}
	if err := p.In(pgpio.PullUp, pgpio.BothEdges); err != nil {
		return nil, fmt.Errorf("configure %s: %w", name, err)
	}
	return &periphLine{pin: p}, nil
}

type periphLine struct {
	pin pgpio.PinIO

	stop chan struct{}
	wg   sync.WaitGroup
}

func (l *periphLine) Read() (Level, error) {
	return Level(l.pin.Read()), nil
}

func (l *periphLine) Watch(onEdge func(Level)) error {
	if l.stop != nil {
		return fmt.Errorf("%s already watched", l.pin.Name())
	}
	l.stop = make(chan struct{})
	last := Level(l.pin.Read())

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-l.stop:
				return
			default:
			}
			if !l.pin.WaitForEdge(edgeWaitSlice) {
				continue
			}
			now := Level(l.pin.Read())
			if now == last {
				onEdge(!now)
			}
			onEdge(now)
			last = now
		}
	}()
	return nil
}

func (l *periphLine) Release() error {
	if l.stop != nil {
		close(l.stop)
		l.wg.Wait()
		l.stop = nil
	}
	return l.pin.In(pgpio.PullNoChange, pgpio.NoEdge)
}
