package p2pro

import (
	"errors"
	"fmt"
	"sync"
	"time"

	usb "github.com/kevmo314/go-usb"

	"github.com/cjeanneret/thermoscope/internal/debug"
)

// Default USB identity of the P2 Pro thermal core.
const (
	VendorID         uint16 = 0x0BDA
	ProductID        uint16 = 0x5830
	ControlInterface uint8  = 0
)

var (
	// ErrHardwareUnavailable is returned when the device cannot be opened
	// or its control interface cannot be claimed.
	ErrHardwareUnavailable = errors.New("p2pro: hardware unavailable")

	// ErrNotAcquired is returned by ControlTransfer when the link is released.
	ErrNotAcquired = errors.New("p2pro: link not acquired")
)

// Handle is an open USB device. *usb.DeviceHandle implements it.
type Handle interface {
	DetachKernelDriver(iface uint8) error
	AttachKernelDriver(iface uint8) error
	ClaimInterface(iface uint8) error
	ReleaseInterface(iface uint8) error
	ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)
	Close() error
}

// Opener opens the device matching a vendor/product pair.
type Opener interface {
	Open(vid, pid uint16) (Handle, error)
}

// USBOpener opens devices through go-usb.
type USBOpener struct{}

func (USBOpener) Open(vid, pid uint16) (Handle, error) {
	h, err := usb.OpenDevice(vid, pid)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Link owns the USB handle used by the command channel.
//
// Link does not know about video streaming: keeping it and the capture path
// off the device at the same time is the arbiter's job.
type Link struct {
	opener Opener
	vid    uint16
	pid    uint16
	iface  uint8

	mu       sync.Mutex
	handle   Handle
	detached bool
}

// NewLink creates a released link for the given device identity.
// A nil opener uses go-usb.
func NewLink(opener Opener, vid, pid uint16) *Link {
	if opener == nil {
		opener = USBOpener{}
	}
	return &Link{opener: opener, vid: vid, pid: pid, iface: ControlInterface}
}

// Acquire opens the device, detaches the kernel driver from the control
// interface and claims it. A failed detach is only logged; a failed claim
// closes the handle and fails the call. Acquiring an acquired link is a no-op.
func (l *Link) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handle != nil {
		return nil
	}

	debug.Verbose("Link: opening %04x:%04x", l.vid, l.pid)
	h, err := l.opener.Open(l.vid, l.pid)
	if err != nil {
		return fmt.Errorf("%w: open %04x:%04x: %v", ErrHardwareUnavailable, l.vid, l.pid, err)
	}

	l.detached = false
	if err := h.DetachKernelDriver(l.iface); err != nil {
		debug.Warn("Link: detach kernel driver on interface %d: %v", l.iface, err)
	} else {
		l.detached = true
	}

	if err := h.ClaimInterface(l.iface); err != nil {
		if l.detached {
			_ = h.AttachKernelDriver(l.iface)
			l.detached = false
		}
		_ = h.Close()
		return fmt.Errorf("%w: claim interface %d: %v", ErrHardwareUnavailable, l.iface, err)
	}

	l.handle = h
	debug.Info("Link: acquired %04x:%04x", l.vid, l.pid)
	return nil
}

// Release gives the device back to the kernel. It is a no-op when the link
// is not acquired. Every step is attempted; failures are joined.
func (l *Link) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.handle == nil {
		return nil
	}
	h := l.handle
	l.handle = nil

	var errs []error
	if err := h.ReleaseInterface(l.iface); err != nil {
		errs = append(errs, fmt.Errorf("release interface %d: %w", l.iface, err))
	}
	if l.detached {
		if err := h.AttachKernelDriver(l.iface); err != nil {
			errs = append(errs, fmt.Errorf("attach kernel driver: %w", err))
		}
		l.detached = false
	}
	if err := h.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}

	debug.Info("Link: released %04x:%04x", l.vid, l.pid)
	return errors.Join(errs...)
}

// IsAcquired reports whether the link currently holds the device.
func (l *Link) IsAcquired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle != nil
}

// ControlTransfer performs one control transfer on the claimed device.
func (l *Link) ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	l.mu.Lock()
	h := l.handle
	l.mu.Unlock()

	if h == nil {
		return 0, ErrNotAcquired
	}
	return h.ControlTransfer(requestType, request, value, index, data, timeout)
}
