package p2pro

import (
	"errors"
	"sync"
	"time"
)

// transfer is one recorded control transfer.
type transfer struct {
	reqType uint8
	req     uint8
	value   uint16
	index   uint16
	data    []byte
}

// recordingHandle records USB calls. It implements Handle and Transferer.
type recordingHandle struct {
	mu        sync.Mutex
	calls     []string
	transfers []transfer

	// status returns the next status byte; nil means always ready.
	status func() byte

	failDetach  bool
	failClaim   bool
	failRelease bool
	failOut     bool
}

func (h *recordingHandle) record(op string) {
	h.mu.Lock()
	h.calls = append(h.calls, op)
	h.mu.Unlock()
}

func (h *recordingHandle) DetachKernelDriver(uint8) error {
	h.record("detach")
	if h.failDetach {
		return errors.New("no kernel driver")
	}
	return nil
}

func (h *recordingHandle) AttachKernelDriver(uint8) error {
	h.record("attach")
	return nil
}

func (h *recordingHandle) ClaimInterface(uint8) error {
	h.record("claim")
	if h.failClaim {
		return errors.New("busy")
	}
	return nil
}

func (h *recordingHandle) ReleaseInterface(uint8) error {
	h.record("release")
	if h.failRelease {
		return errors.New("release failed")
	}
	return nil
}

func (h *recordingHandle) Close() error {
	h.record("close")
	return nil
}

func (h *recordingHandle) ControlTransfer(reqType, req uint8, value, index uint16, data []byte, _ time.Duration) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if reqType == reqTypeIn {
		h.transfers = append(h.transfers, transfer{reqType, req, value, index, nil})
		st := byte(0)
		if h.status != nil {
			st = h.status()
		}
		data[0] = st
		return 1, nil
	}

	cp := append([]byte(nil), data...)
	h.transfers = append(h.transfers, transfer{reqType, req, value, index, cp})
	if h.failOut {
		return 0, errors.New("pipe error")
	}
	return len(data), nil
}

func (h *recordingHandle) outs() []transfer {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []transfer
	for _, t := range h.transfers {
		if t.reqType == reqTypeOut {
			out = append(out, t)
		}
	}
	return out
}

func (h *recordingHandle) polls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, t := range h.transfers {
		if t.reqType == reqTypeIn {
			n++
		}
	}
	return n
}

func (h *recordingHandle) callLog() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

// fakeOpener hands out a prepared handle.
type fakeOpener struct {
	handle  *recordingHandle
	fail    bool
	opened  int
	lastVID uint16
	lastPID uint16
}

func (o *fakeOpener) Open(vid, pid uint16) (Handle, error) {
	o.opened++
	o.lastVID, o.lastPID = vid, pid
	if o.fail {
		return nil, errors.New("no such device")
	}
	return o.handle, nil
}
