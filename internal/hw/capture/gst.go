package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/cjeanneret/thermoscope/internal/debug"
)

// GstConfig describes the V4L2 device and the frames wanted from it.
type GstConfig struct {
	Device      int // N in /dev/videoN
	Width       int
	Height      int
	FPS         int
	ReadTimeout time.Duration // how long Read waits for a sample
}

// bgrChannels is the channel count of the negotiated BGR format.
const bgrChannels = 3

var gstInit sync.Once

// GstSource reads frames from a V4L2 device through GStreamer:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter(BGR) → appsink
//
// Frames are copied into a buffer owned by the source and reused on the
// next Read.
type GstSource struct {
	cfg GstConfig

	pipeline *gst.Pipeline
	sink     *app.Sink

	seq   uint64
	frame Frame
}

// NewGstSource creates an unopened source.
func NewGstSource(cfg GstConfig) *GstSource {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	return &GstSource{cfg: cfg}
}

func (g *GstSource) caps() string {
	return fmt.Sprintf("video/x-raw,format=BGR,width=%d,height=%d,framerate=%d/1",
		g.cfg.Width, g.cfg.Height, g.cfg.FPS)
}

func (g *GstSource) build() error {
	gstInit.Do(func() { gst.Init(nil) })

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("create v4l2src: %w", err)
	}
	src.SetProperty("device", fmt.Sprintf("/dev/video%d", g.cfg.Device))

	convert, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("create videoconvert: %w", err)
	}
	scale, err := gst.NewElement("videoscale")
	if err != nil {
		return fmt.Errorf("create videoscale: %w", err)
	}
	rate, err := gst.NewElement("videorate")
	if err != nil {
		return fmt.Errorf("create videorate: %w", err)
	}
	rate.SetProperty("drop-only", true)

	filter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("create capsfilter: %w", err)
	}
	filter.SetProperty("caps", gst.NewCapsFromString(g.caps()))

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, convert, scale, rate, filter, sink.Element); err != nil {
		return fmt.Errorf("add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, convert, scale, rate, filter, sink.Element); err != nil {
		return fmt.Errorf("link elements: %w", err)
	}

	g.pipeline = pipeline
	g.sink = sink
	return nil
}

// Open builds the pipeline, sets it playing and waits until it reports
// PLAYING, an error, or ctx expires.
func (g *GstSource) Open(ctx context.Context) error {
	if g.pipeline != nil {
		return errors.New("gst source already open")
	}
	debug.Verbose("Capture: pipeline %s", g.caps())
	if err := g.build(); err != nil {
		return err
	}
	if err := g.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("set playing: %w", err)
	}

	bus := g.pipeline.GetPipelineBus()
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for /dev/video%d: %w", g.cfg.Device, err)
		}
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return fmt.Errorf("pipeline: %s", gerr.Error())
		case gst.MessageStateChanged:
			if msg.Source() != g.pipeline.GetName() {
				continue
			}
			_, newState := msg.ParseStateChanged()
			if newState == gst.StatePlaying {
				debug.Verbose("Capture: pipeline playing")
				return nil
			}
		}
	}
}

// Read pulls the next sample. It returns ErrNoFrame when nothing arrived
// within the read timeout.
func (g *GstSource) Read() (*Frame, error) {
	if g.sink == nil {
		return nil, errors.New("gst source not open")
	}
	sample := g.sink.TryPullSample(g.cfg.ReadTimeout)
	if sample == nil {
		if g.sink.IsEOS() {
			return nil, errors.New("end of stream")
		}
		return nil, ErrNoFrame
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, errors.New("sample without buffer")
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	g.frame.Data = append(g.frame.Data[:0], data...)
	buffer.Unmap()

	if len(g.frame.Data) == 0 {
		return nil, errors.New("empty buffer")
	}

	g.seq++
	g.frame.Width = g.cfg.Width
	g.frame.Height = g.cfg.Height
	g.frame.Channels = bgrChannels
	g.frame.Seq = g.seq
	g.frame.Timestamp = time.Now()
	return &g.frame, nil
}

// Close stops the pipeline and frees it. It is safe on an unopened source.
func (g *GstSource) Close() error {
	if g.pipeline == nil {
		return nil
	}
	err := g.pipeline.SetState(gst.StateNull)
	g.pipeline = nil
	g.sink = nil
	if err != nil {
		return fmt.Errorf("set null: %w", err)
	}
	return nil
}
