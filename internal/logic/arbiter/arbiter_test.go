package arbiter

import (
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/thermoscope/internal/hw/capture"
	"github.com/cjeanneret/thermoscope/internal/hw/p2pro"
)

// callLog is shared by the fakes so call order across collaborators is visible.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.calls
	l.calls = nil
	return out
}

type fakeLink struct {
	log      *callLog
	acquired bool
	failAcq  bool
}

func (f *fakeLink) Acquire() error {
	f.log.add("link.acquire")
	if f.failAcq {
		return errors.New("no device")
	}
	f.acquired = true
	return nil
}

func (f *fakeLink) Release() error {
	f.log.add("link.release")
	f.acquired = false
	return nil
}

func (f *fakeLink) IsAcquired() bool { return f.acquired }

type fakeStream struct {
	log      *callLog
	state    capture.State
	failOpen bool
}

func (f *fakeStream) State() capture.State { return f.state }

func (f *fakeStream) Open() error {
	f.log.add("stream.open")
	if f.failOpen {
		return capture.ErrHardwareUnavailable
	}
	f.state = capture.ConnectedIdle
	return nil
}

func (f *fakeStream) Start() error {
	f.log.add("stream.start")
	if f.state != capture.ConnectedIdle {
		return capture.ErrInvalidState
	}
	f.state = capture.Streaming
	return nil
}

func (f *fakeStream) Stop() error {
	f.log.add("stream.stop")
	f.state = capture.ConnectedIdle
	return nil
}

func (f *fakeStream) ReleaseDevice() error {
	f.log.add("stream.release")
	f.state = capture.Disconnected
	return nil
}

type fakeSender struct {
	log  *callLog
	sent []p2pro.Descriptor
	fail bool
}

func (f *fakeSender) Send(d p2pro.Descriptor) error {
	f.log.add("send")
	f.sent = append(f.sent, d)
	if f.fail {
		return p2pro.ErrCommandTimeout
	}
	return nil
}

type rig struct {
	log    *callLog
	link   *fakeLink
	stream *fakeStream
	sender *fakeSender
	arb    *Arbiter
}

func newRig() *rig {
	log := &callLog{}
	r := &rig{
		log:    log,
		link:   &fakeLink{log: log},
		stream: &fakeStream{log: log},
		sender: &fakeSender{log: log},
	}
	r.arb = New(r.link, r.sender, r.stream)
	return r
}

func (r *rig) expect(t *testing.T, want ...string) {
	t.Helper()
	if got := r.log.take(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestSwitchTo_VideoFromNone(t *testing.T) {
	r := newRig()
	if err := r.arb.SwitchTo(Video); err != nil {
		t.Fatalf("SwitchTo(Video): %v", err)
	}
	r.expect(t, "stream.open", "stream.start")
	if r.arb.Mode() != Video {
		t.Errorf("mode = %v, want video", r.arb.Mode())
	}
}

func TestSwitchTo_CommandFromVideoStopsAndReleasesFirst(t *testing.T) {
	r := newRig()
	r.arb.SwitchTo(Video)
	r.log.take()

	if err := r.arb.SwitchTo(Command); err != nil {
		t.Fatalf("SwitchTo(Command): %v", err)
	}
	r.expect(t, "stream.stop", "stream.release", "link.acquire")
	if r.stream.state != capture.Disconnected {
		t.Errorf("stream state = %v, want disconnected", r.stream.state)
	}
}

func TestSwitchTo_CommandFromIdleCaptureOnlyReleases(t *testing.T) {
	r := newRig()
	r.stream.state = capture.ConnectedIdle

	r.arb.SwitchTo(Command)
	r.expect(t, "stream.release", "link.acquire")
}

func TestSwitchTo_VideoFromCommandReleasesLinkFirst(t *testing.T) {
	r := newRig()
	r.arb.SwitchTo(Command)
	r.log.take()

	if err := r.arb.SwitchTo(Video); err != nil {
		t.Fatalf("SwitchTo(Video): %v", err)
	}
	r.expect(t, "link.release", "stream.open", "stream.start")
}

func TestSwitchTo_SameModeIsNoop(t *testing.T) {
	r := newRig()
	r.arb.SwitchTo(Command)
	r.log.take()

	if err := r.arb.SwitchTo(Command); err != nil {
		t.Fatalf("SwitchTo(Command) again: %v", err)
	}
	r.expect(t)
}

func TestSwitchTo_NoneRejected(t *testing.T) {
	r := newRig()
	r.arb.SwitchTo(Video)
	r.log.take()

	if err := r.arb.SwitchTo(None); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("err = %v, want ErrInvalidMode", err)
	}
	r.expect(t)
	if r.arb.Mode() != Video {
		t.Errorf("mode = %v, want video", r.arb.Mode())
	}
}

func TestSwitchTo_FailedTransitionStillRecordsTarget(t *testing.T) {
	r := newRig()
	r.link.failAcq = true

	err := r.arb.SwitchTo(Command)
	if err == nil {
		t.Fatal("expected error from failed acquire")
	}
	if r.arb.Mode() != Command {
		t.Errorf("mode = %v, want command even though acquire failed", r.arb.Mode())
	}

	r.link.failAcq = false
	r.stream.failOpen = true
	r.log.take()
	err = r.arb.SwitchTo(Video)
	if !errors.Is(err, capture.ErrHardwareUnavailable) {
		t.Errorf("err = %v, want ErrHardwareUnavailable in chain", err)
	}
	if r.arb.Mode() != Video {
		t.Errorf("mode = %v, want video", r.arb.Mode())
	}
	// link was never acquired, so it is not released; start still attempted
	r.expect(t, "stream.open", "stream.start")
}

func TestSetPersistentSetting_RestoresVideo(t *testing.T) {
	r := newRig()
	r.arb.SwitchTo(Video)
	r.log.take()

	d := p2pro.Descriptor{Code: p2pro.PseudoColor, Dir: p2pro.Set, Payload: []byte{3}}
	if err := r.arb.SetPersistentSetting(d); err != nil {
		t.Fatalf("SetPersistentSetting: %v", err)
	}
	r.expect(t,
		"stream.stop", "stream.release", "link.acquire",
		"send",
		"link.release", "stream.open", "stream.start",
	)
	if r.arb.Mode() != Video || r.stream.state != capture.Streaming {
		t.Errorf("mode=%v stream=%v, want video/streaming", r.arb.Mode(), r.stream.state)
	}
}

func TestSetPersistentSetting_CommandModePersists(t *testing.T) {
	r := newRig()
	r.arb.SwitchTo(Command)
	r.log.take()

	if err := r.arb.SetPalette(p2pro.BlackHot); err != nil {
		t.Fatalf("SetPalette: %v", err)
	}
	r.expect(t, "send")
	if r.arb.Mode() != Command {
		t.Errorf("mode = %v, want command", r.arb.Mode())
	}
	if len(r.sender.sent) != 1 || r.sender.sent[0].Payload[0] != byte(p2pro.BlackHot) {
		t.Errorf("sent = %+v", r.sender.sent)
	}
}

func TestSetPersistentSetting_FromNoneStaysInCommand(t *testing.T) {
	r := newRig()
	if err := r.arb.SetPalette(p2pro.IronRed); err != nil {
		t.Fatalf("SetPalette: %v", err)
	}
	r.expect(t, "link.acquire", "send")
	if r.arb.Mode() != Command {
		t.Errorf("mode = %v, want command", r.arb.Mode())
	}
}

func TestSetPersistentSetting_SendFailureStillRestoresVideo(t *testing.T) {
	r := newRig()
	r.arb.SwitchTo(Video)
	r.sender.fail = true
	r.log.take()

	err := r.arb.SetPalette(p2pro.WhiteHot)
	if !errors.Is(err, p2pro.ErrCommandTimeout) {
		t.Fatalf("err = %v, want ErrCommandTimeout", err)
	}
	if r.stream.state != capture.Streaming {
		t.Errorf("stream state = %v, want streaming", r.stream.state)
	}
}

func TestSetPersistentSetting_AcquireFailureSkipsSend(t *testing.T) {
	r := newRig()
	r.arb.SwitchTo(Video)
	r.link.failAcq = true
	r.log.take()

	if err := r.arb.SetPalette(p2pro.WhiteHot); err == nil {
		t.Fatal("expected error")
	}
	r.expect(t,
		"stream.stop", "stream.release", "link.acquire",
		"stream.open", "stream.start",
	)
	if len(r.sender.sent) != 0 {
		t.Error("nothing should be sent without the link")
	}
}

func TestSetPalette_InvalidRejectedWithoutTouchingDevice(t *testing.T) {
	r := newRig()
	if err := r.arb.SetPalette(p2pro.Palette(0)); err == nil {
		t.Error("expected error for invalid palette")
	}
	r.expect(t)
}

func TestArbiter_ConcurrentCallsSerialized(t *testing.T) {
	r := newRig()
	r.arb.SwitchTo(Video)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.arb.SetPalette(p2pro.Rainbow1)
		}()
		go func() {
			defer wg.Done()
			r.arb.SwitchTo(Video)
		}()
	}
	wg.Wait()

	// each send must sit between an acquire and a release
	acquired := false
	for _, c := range r.log.take() {
		switch c {
		case "link.acquire":
			acquired = true
		case "link.release":
			acquired = false
		case "send":
			if !acquired {
				t.Fatal("send issued without the link acquired")
			}
		case "stream.open", "stream.start":
			if acquired {
				t.Fatalf("%s while the link is acquired", c)
			}
		}
	}
}

func TestShutdown_FromVideoStopsAndReleasesCapture(t *testing.T) {
	r := newRig()
	r.arb.SwitchTo(Video)
	r.log.take()

	if err := r.arb.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	r.expect(t, "stream.stop", "stream.release")
	if m := r.arb.Mode(); m != None {
		t.Errorf("mode = %v, want none", m)
	}
}

func TestShutdown_FromCommandReleasesLink(t *testing.T) {
	r := newRig()
	r.arb.SwitchTo(Command)
	r.log.take()

	if err := r.arb.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	r.expect(t, "link.release")
	if r.link.acquired {
		t.Error("link still acquired after Shutdown")
	}

	// a second shutdown has nothing left to release
	if err := r.arb.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	r.expect(t)
}

// blockingSender holds Send until released.
type blockingSender struct {
	log     *callLog
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSender) Send(p2pro.Descriptor) error {
	b.log.add("send")
	close(b.entered)
	<-b.release
	return nil
}

func TestShutdown_WaitsForCommandInProgress(t *testing.T) {
	log := &callLog{}
	link := &fakeLink{log: log}
	stream := &fakeStream{log: log}
	sender := &blockingSender{log: log, entered: make(chan struct{}), release: make(chan struct{})}
	arb := New(link, sender, stream)
	arb.SwitchTo(Video)

	paletteDone := make(chan error, 1)
	go func() { paletteDone <- arb.SetPalette(p2pro.IronRed) }()
	<-sender.entered

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- arb.Shutdown() }()

	select {
	case <-shutdownDone:
		t.Fatal("Shutdown returned while a command was being sent")
	case <-time.After(20 * time.Millisecond):
	}

	close(sender.release)
	if err := <-paletteDone; err != nil {
		t.Fatalf("SetPalette: %v", err)
	}
	if err := <-shutdownDone; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// the restored video is torn down after the send, never during it
	want := []string{
		"stream.open", "stream.start",
		"stream.stop", "stream.release", "link.acquire", "send",
		"link.release", "stream.open", "stream.start",
		"stream.stop", "stream.release",
	}
	if got := log.take(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	if stream.state != capture.Disconnected || link.acquired || arb.Mode() != None {
		t.Errorf("after shutdown: stream=%v link=%v mode=%v", stream.state, link.acquired, arb.Mode())
	}
}
