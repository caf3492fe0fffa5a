// Package controls maps the two rotary encoders onto the scope settings.
//
// The top encoder's button cycles TopMode (x offset, reticle, palette) and
// the side encoder's cycles SideMode (y offset, zoom). Turning an encoder
// adjusts whatever its current mode selects. Palette changes reach the
// device through a worker goroutine so that the GPIO callback never waits
// on USB traffic.
package controls

import (
	"context"
	"fmt"
	"sync"

	"github.com/cjeanneret/thermoscope/internal/debug"
	"github.com/cjeanneret/thermoscope/internal/hw/p2pro"
	"github.com/cjeanneret/thermoscope/internal/hw/rotary"
	"github.com/cjeanneret/thermoscope/internal/logic/settings"
)

// TopMode is the top encoder's menu selection.
type TopMode int

const (
	TopNone TopMode = iota
	TopXOffset
	TopReticle
	TopColor

	topModeCount
)

func (m TopMode) String() string {
	switch m {
	case TopNone:
		return "none"
	case TopXOffset:
		return "x-offset"
	case TopReticle:
		return "reticle"
	case TopColor:
		return "color"
	}
	return fmt.Sprintf("top(%d)", int(m))
}

// SideMode is the side encoder's menu selection.
type SideMode int

const (
	SideNone SideMode = iota
	SideYOffset
	SideZoom

	sideModeCount
)

func (m SideMode) String() string {
	switch m {
	case SideNone:
		return "none"
	case SideYOffset:
		return "y-offset"
	case SideZoom:
		return "zoom"
	}
	return fmt.Sprintf("side(%d)", int(m))
}

// PaletteSetter applies a palette on the device. *arbiter.Arbiter implements it.
type PaletteSetter interface {
	SetPalette(p p2pro.Palette) error
}

// View is a snapshot of the menu state and settings.
type View struct {
	Top      TopMode
	Side     SideMode
	Settings settings.Settings
}

// Controller owns the menu state. Its methods are safe from GPIO callbacks.
type Controller struct {
	store   *settings.Store
	palette PaletteSetter

	mu   sync.Mutex
	top  TopMode
	side SideMode

	requests chan p2pro.Palette
	sendMu   sync.Mutex

	// OnChange, if set before Attach, is called after every change.
	OnChange func(View)
}

// New creates a controller persisting to store and applying palettes
// through palette.
func New(store *settings.Store, palette PaletteSetter) *Controller {
	return &Controller{
		store:    store,
		palette:  palette,
		requests: make(chan p2pro.Palette, 1),
	}
}

// Attach wires the encoders' callbacks to the controller.
func (c *Controller) Attach(top, side *rotary.Encoder) {
	top.SetOnClick(c.ClickTop)
	top.SetOnStep(c.RotateTop)
	side.SetOnClick(c.ClickSide)
	side.SetOnStep(c.RotateSide)
}

// Run applies palette requests until ctx is done. The latest request wins
// when several arrive while one is being applied.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-c.requests:
			if err := c.palette.SetPalette(p); err != nil {
				debug.Error(fmt.Errorf("apply palette %s: %w", p, err))
			}
		}
	}
}

// RequestPalette queues p for the worker, replacing any queued request.
func (c *Controller) RequestPalette(p p2pro.Palette) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.requests:
	default:
	}
	c.requests <- p
}

// View returns the current state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{Top: c.top, Side: c.side, Settings: c.store.Get()}
}

// ClickTop advances TopMode on press.
func (c *Controller) ClickTop(pressed bool) {
	if !pressed {
		return
	}
	c.mu.Lock()
	old := c.top
	c.top = TopMode(settings.Rotate(int(c.top), int(topModeCount), 1))
	debug.Live("Controls: top %s -> %s", old, c.top)
	c.mu.Unlock()
	c.changed()
}

// ClickSide advances SideMode on press.
func (c *Controller) ClickSide(pressed bool) {
	if !pressed {
		return
	}
	c.mu.Lock()
	old := c.side
	c.side = SideMode(settings.Rotate(int(c.side), int(sideModeCount), 1))
	debug.Live("Controls: side %s -> %s", old, c.side)
	c.mu.Unlock()
	c.changed()
}

// RotateTop adjusts the setting selected by TopMode.
func (c *Controller) RotateTop(dir rotary.Direction) {
	c.mu.Lock()
	mode := c.top
	c.mu.Unlock()

	delta := dir.Delta()
	switch mode {
	case TopXOffset:
		s := c.store.Update(func(v *settings.Settings) {
			v.XOffset = settings.Clamp(v.XOffset+delta, settings.MinOffset, settings.MaxOffset)
		})
		debug.Live("Controls: x offset %d", s.XOffset)
	case TopReticle:
		s := c.store.Update(func(v *settings.Settings) {
			v.Reticle = v.Reticle.Next(delta)
		})
		debug.Live("Controls: reticle %s", s.Reticle)
	case TopColor:
		s := c.store.Update(func(v *settings.Settings) {
			v.Palette = v.Palette.Next(delta)
		})
		debug.Live("Controls: palette %s", s.Palette)
		c.RequestPalette(s.Palette)
	default:
		return
	}
	c.changed()
}

// RotateSide adjusts the setting selected by SideMode.
func (c *Controller) RotateSide(dir rotary.Direction) {
	c.mu.Lock()
	mode := c.side
	c.mu.Unlock()

	delta := dir.Delta()
	switch mode {
	case SideYOffset:
		s := c.store.Update(func(v *settings.Settings) {
			v.YOffset = settings.Clamp(v.YOffset+delta, settings.MinOffset, settings.MaxOffset)
		})
		debug.Live("Controls: y offset %d", s.YOffset)
	case SideZoom:
		s := c.store.Update(func(v *settings.Settings) {
			v.Zoom = settings.Clamp(v.Zoom+delta, settings.MinZoom, settings.MaxZoom)
		})
		debug.Live("Controls: zoom %d", s.Zoom)
	default:
		return
	}
	c.changed()
}

// SetPalette stores p and queues it for the device. Used by the web API.
func (c *Controller) SetPalette(p p2pro.Palette) error {
	if !p.Valid() {
		return fmt.Errorf("invalid palette %d", uint8(p))
	}
	c.store.Update(func(v *settings.Settings) { v.Palette = p })
	c.RequestPalette(p)
	c.changed()
	return nil
}

func (c *Controller) changed() {
	if c.OnChange != nil {
		c.OnChange(c.View())
	}
}
