// Package arbiter shares the single thermal-core USB device between the
// video capture path and the vendor command channel.
package arbiter

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/thermoscope/internal/debug"
	"github.com/cjeanneret/thermoscope/internal/hw/capture"
	"github.com/cjeanneret/thermoscope/internal/hw/p2pro"
)

// Mode is the current owner of the USB device.
type Mode int

const (
	None Mode = iota
	Video
	Command
)

func (m Mode) String() string {
	switch m {
	case None:
		return "none"
	case Video:
		return "video"
	case Command:
		return "command"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ErrInvalidMode is returned for a switch to None or an unknown mode.
var ErrInvalidMode = errors.New("arbiter: invalid target mode")

// Link is the command-side device owner. *p2pro.Link implements it.
type Link interface {
	Acquire() error
	Release() error
	IsAcquired() bool
}

// Sender sends vendor commands. *p2pro.CommandChannel implements it.
type Sender interface {
	Send(d p2pro.Descriptor) error
}

// Stream is the video-side device owner. *capture.Stream implements it.
type Stream interface {
	State() capture.State
	Open() error
	Start() error
	Stop() error
	ReleaseDevice() error
}

// Arbiter serializes every mode change and command behind one mutex.
//
// Transitions are not transactional: the target mode is recorded even when
// a step failed, and nothing is rolled back. Callers detect failure from the
// returned error, not from Mode.
type Arbiter struct {
	link   Link
	sender Sender
	stream Stream

	mu   sync.Mutex
	mode Mode
}

// New creates an arbiter in mode None.
func New(link Link, sender Sender, stream Stream) *Arbiter {
	return &Arbiter{link: link, sender: sender, stream: stream}
}

// Mode returns the recorded mode.
func (a *Arbiter) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// SwitchTo hands the device to target.
func (a *Arbiter) SwitchTo(target Mode) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.switchTo(target)
}

func (a *Arbiter) switchTo(target Mode) error {
	if target != Video && target != Command {
		return fmt.Errorf("%w: %s", ErrInvalidMode, target)
	}
	if target == a.mode {
		debug.Verbose("Arbiter: already in %s", target)
		return nil
	}

	debug.Mode(a.mode, target)
	var errs []error

	switch target {
	case Command:
		if a.stream.State() == capture.Streaming {
			if err := a.stream.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop capture: %w", err))
			}
		}
		if a.stream.State() == capture.ConnectedIdle {
			if err := a.stream.ReleaseDevice(); err != nil {
				errs = append(errs, fmt.Errorf("release capture: %w", err))
			}
		}
		if err := a.link.Acquire(); err != nil {
			errs = append(errs, fmt.Errorf("acquire link: %w", err))
		}

	case Video:
		if a.link.IsAcquired() {
			if err := a.link.Release(); err != nil {
				errs = append(errs, fmt.Errorf("release link: %w", err))
			}
		}
		if err := a.stream.Open(); err != nil {
			errs = append(errs, fmt.Errorf("open capture: %w", err))
		}
		if err := a.stream.Start(); err != nil {
			errs = append(errs, fmt.Errorf("start capture: %w", err))
		}
	}

	a.mode = target
	err := errors.Join(errs...)
	if err != nil {
		debug.Error(fmt.Errorf("switch to %s: %w", target, err))
	}
	return err
}

// Shutdown stops video, releases both device owners and records None.
// It waits for any transition or command in progress.
func (a *Arbiter) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.stream.State() == capture.Streaming {
		if err := a.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop capture: %w", err))
		}
	}
	if a.stream.State() == capture.ConnectedIdle {
		if err := a.stream.ReleaseDevice(); err != nil {
			errs = append(errs, fmt.Errorf("release capture: %w", err))
		}
	}
	if a.link.IsAcquired() {
		if err := a.link.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release link: %w", err))
		}
	}

	debug.Mode(a.mode, None)
	a.mode = None
	return errors.Join(errs...)
}

// SetPersistentSetting sends d in Command mode, then goes back to Video if
// Video was the mode on entry. A send failure takes precedence over a
// failure to restore video.
func (a *Arbiter) SetPersistentSetting(d p2pro.Descriptor) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev := a.mode
	if err := a.switchTo(Command); err != nil {
		if prev == Video {
			_ = a.switchTo(Video)
		}
		return fmt.Errorf("enter command mode: %w", err)
	}

	sendErr := a.sender.Send(d)
	if sendErr != nil {
		debug.Error(fmt.Errorf("send %s: %w", d, sendErr))
	}

	var restoreErr error
	if prev == Video {
		restoreErr = a.switchTo(Video)
	}

	if sendErr != nil {
		return fmt.Errorf("send %s: %w", d, sendErr)
	}
	if restoreErr != nil {
		return fmt.Errorf("restore video: %w", restoreErr)
	}
	return nil
}

// SetPalette applies p through SetPersistentSetting.
func (a *Arbiter) SetPalette(p p2pro.Palette) error {
	d, err := p2pro.PaletteDescriptor(p)
	if err != nil {
		return err
	}
	debug.Live("Arbiter: palette -> %s", p)
	return a.SetPersistentSetting(d)
}
