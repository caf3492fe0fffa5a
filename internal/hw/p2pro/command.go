package p2pro

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cjeanneret/thermoscope/internal/debug"
)

// CmdCode is a vendor command code.
type CmdCode uint16

// Known vendor command codes. Only PseudoColor is issued by the
// application; the others share the same framing.
const (
	SysResetToRom   CmdCode = 0x0805
	SpiTransfer     CmdCode = 0x8201
	GetDeviceInfo   CmdCode = 0x8405
	PseudoColor     CmdCode = 0x8409
	ShutterVtemp    CmdCode = 0x840c
	PropTpdParams   CmdCode = 0x8514
	CurVtemp        CmdCode = 0x8b0d
	PreviewStart    CmdCode = 0xc10f
	PreviewStop     CmdCode = 0x020f
	Y16PreviewStart CmdCode = 0x010a
	Y16PreviewStop  CmdCode = 0x020a
)

// CmdDir is OR-ed into the command code on the wire.
type CmdDir uint16

const (
	Get CmdDir = 0x0000
	Set CmdDir = 0x4000
)

// Descriptor is one command to send. It is consumed by Send and not retained.
type Descriptor struct {
	Code    CmdCode
	Dir     CmdDir
	Param   uint32
	Payload []byte
}

// Wire returns the 16-bit code sent in the first two bytes of a header.
func (d Descriptor) Wire() uint16 {
	return uint16(d.Code) | uint16(d.Dir)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("cmd=0x%04x param=0x%08x len=%d", d.Wire(), d.Param, len(d.Payload))
}

// Wire protocol constants, fixed by the device firmware.
const (
	reqTypeOut uint8  = 0x41
	reqTypeIn  uint8  = 0xC1
	reqOut     uint8  = 0x45
	reqStatus  uint8  = 0x44
	reqValue   uint16 = 0x0078

	indexCommand uint16 = 0x1d00
	indexHeader  uint16 = 0x9d00
	indexBulk    uint16 = 0x9d08
	indexFinal   uint16 = 0x1d08
	indexStatus  uint16 = 0x0200

	headerLen  = 8
	outerChunk = 256
	innerChunk = 64
	tailLen    = 8

	statusBusyMask  = 0x03
	statusErrorMask = 0xFC
)

// Default timings.
const (
	DefaultCommandTimeout  = 5 * time.Second
	DefaultPollInterval    = time.Millisecond
	DefaultTransferTimeout = time.Second
)

// ErrCommandTimeout is returned when the device never reports ready.
var ErrCommandTimeout = errors.New("p2pro: command timeout")

// Transferer performs control transfers. *Link implements it.
type Transferer interface {
	ControlTransfer(requestType, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error)
}

// CommandChannel frames descriptors into vendor control transfers.
//
// Individual transfer failures are logged and the sequence carries on:
// only a readiness poll that runs out of time fails a Send.
type CommandChannel struct {
	dev Transferer

	Timeout         time.Duration // readiness poll bound
	PollInterval    time.Duration // delay between status reads
	TransferTimeout time.Duration // per transfer USB timeout
}

// NewCommandChannel creates a channel with the default timings.
func NewCommandChannel(dev Transferer) *CommandChannel {
	return &CommandChannel{
		dev:             dev,
		Timeout:         DefaultCommandTimeout,
		PollInterval:    DefaultPollInterval,
		TransferTimeout: DefaultTransferTimeout,
	}
}

// Send transmits d and waits for the device to acknowledge each chunk.
func (c *CommandChannel) Send(d Descriptor) error {
	debug.Verbose("Command: send %s", d)

	if isEmptyPayload(d.Payload) {
		var hdr [headerLen]byte
		binary.LittleEndian.PutUint16(hdr[0:2], d.Wire())
		binary.BigEndian.PutUint32(hdr[2:6], d.Param)
		c.out(indexCommand, hdr[:])
		return c.waitReady()
	}

	data := d.Payload
	for i := 0; i < len(data); i += outerChunk {
		chunk := data[i:min(i+outerChunk, len(data))]

		var hdr [headerLen]byte
		binary.LittleEndian.PutUint16(hdr[0:2], d.Wire())
		binary.BigEndian.PutUint32(hdr[2:6], d.Param+uint32(i))
		binary.LittleEndian.PutUint16(hdr[6:8], uint16(len(chunk)))
		c.out(indexHeader, hdr[:])
		if err := c.waitReady(); err != nil {
			return fmt.Errorf("chunk header at %d: %w", i, err)
		}

		for j := 0; j < len(chunk); j += innerChunk {
			inner := chunk[j:min(j+innerChunk, len(chunk))]
			remaining := len(chunk) - j
			off := uint16(j)

			switch {
			case remaining <= tailLen:
				c.out(indexFinal+off, inner)
			case remaining <= innerChunk:
				split := len(inner) - tailLen
				c.out(indexBulk+off, inner[:split])
				c.out(indexFinal+off+uint16(split), inner[split:])
			default:
				// More data follows in this chunk: the device is only
				// polled once the tail has been sent.
				c.out(indexBulk+off, inner)
				continue
			}
			if err := c.waitReady(); err != nil {
				return fmt.Errorf("chunk %d+%d: %w", i, j, err)
			}
		}
	}
	return nil
}

// isEmptyPayload treats nil, empty and a single zero byte alike.
func isEmptyPayload(p []byte) bool {
	return len(p) == 0 || (len(p) == 1 && p[0] == 0)
}

func (c *CommandChannel) out(index uint16, data []byte) {
	n, err := c.dev.ControlTransfer(reqTypeOut, reqOut, reqValue, index, data, c.TransferTimeout)
	if err != nil {
		debug.Warn("Command: transfer wIndex=0x%04x failed: %v", index, err)
		return
	}
	debug.USB("out", index, n)
}

// ready reads the status byte once.
func (c *CommandChannel) ready() bool {
	var status [1]byte
	n, err := c.dev.ControlTransfer(reqTypeIn, reqStatus, reqValue, indexStatus, status[:], c.TransferTimeout)
	if err != nil || n < 1 {
		debug.Trace("Command: status read failed (n=%d): %v", n, err)
		return false
	}
	if status[0]&statusBusyMask == 0 {
		return true
	}
	if status[0]&statusErrorMask != 0 {
		debug.Warn("Command: device status error 0x%02x", status[0])
	}
	return false
}

func (c *CommandChannel) waitReady() error {
	deadline := time.Now().Add(c.Timeout)
	for {
		if c.ready() {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w after %v", ErrCommandTimeout, c.Timeout)
		}
		time.Sleep(c.PollInterval)
	}
}
