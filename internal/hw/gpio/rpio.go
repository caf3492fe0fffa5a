package gpio

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/thermoscope/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// RPioChip is the Raspberry Pi implementation using go-rpio.
// go-rpio maps /dev/gpiomem process-wide, so Open and Close map directly
// onto rpio.Open and rpio.Close.
type RPioChip struct {
	pollInterval time.Duration
}

// NewRPioChip creates a go-rpio backed chip. Edges are latched by the
// SoC's event-detect register and collected every pollInterval.
func NewRPioChip(pollInterval time.Duration) *RPioChip {
	if pollInterval <= 0 {
		pollInterval = time.Millisecond
	}
	return &RPioChip{pollInterval: pollInterval}
}

func (c *RPioChip) Open() error {
	debug.Info("Initializing real GPIO chip (go-rpio)")
	if err := rpio.Open(); err != nil {
		return fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}
	debug.Verbose("GPIO memory mapped successfully")
	return nil
}

func (c *RPioChip) Close() error {
	debug.Trace("GPIO Close (go-rpio)")
	return rpio.Close()
}

func (c *RPioChip) ClaimInput(line int) (Line, error) {
	if line < 0 || line > 27 {
		return nil, fmt.Errorf("line %d out of range", line)
	}
	p := rpio.Pin(line)
	p.Input()
	p.PullUp()
	p.Detect(rpio.AnyEdge)
	return &rpioLine{
		pin:      p,
		interval: c.pollInterval,
	}, nil
}

type rpioLine struct {
	pin      rpio.Pin
	interval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

func (l *rpioLine) Read() (Level, error) {
	return toLevel(l.pin.Read()), nil
}

func (l *rpioLine) Watch(onEdge func(Level)) error {
	if l.stop != nil {
		return fmt.Errorf("gpio%d already watched", int(l.pin))
	}
	l.stop = make(chan struct{})
	last := toLevel(l.pin.Read())
	// clear anything latched while the line was being configured
	l.pin.EdgeDetected()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
			}
			if !l.pin.EdgeDetected() {
				continue
			}
			now := toLevel(l.pin.Read())
			if now == last {
				// Two transitions landed inside one poll interval.
				onEdge(!now)
			}
			onEdge(now)
			last = now
		}
	}()
	return nil
}

func (l *rpioLine) Release() error {
	if l.stop != nil {
		close(l.stop)
		l.wg.Wait()
		l.stop = nil
	}
	l.pin.Detect(rpio.NoEdge)
	return nil
}

func toLevel(s rpio.State) Level {
	if s == rpio.High {
		return High
	}
	return Low
}
