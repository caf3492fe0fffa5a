package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/cjeanneret/thermoscope/internal/config"
	"github.com/cjeanneret/thermoscope/internal/debug"
	"github.com/cjeanneret/thermoscope/internal/hw/capture"
	"github.com/cjeanneret/thermoscope/internal/hw/gpio"
	"github.com/cjeanneret/thermoscope/internal/hw/p2pro"
	"github.com/cjeanneret/thermoscope/internal/hw/rotary"
	"github.com/cjeanneret/thermoscope/internal/logic/arbiter"
	"github.com/cjeanneret/thermoscope/internal/logic/controls"
	"github.com/cjeanneret/thermoscope/internal/logic/settings"
	"github.com/cjeanneret/thermoscope/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start status server on port; -web= for the configured port, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	debugLevel := flag.Int("debug", -1, "override debug level (0-4)")
	mockGPIO := flag.Bool("mock", false, "use the mock GPIO backend")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	if err := applyFlags(cfg, *debugLevel, *mockGPIO); err != nil {
		log.Fatalf("invalid flag: %v", err)
	}
	webPort.defaultPort = cfg.Defaults.WebPort

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("GPIO backend", cfg.GPIO.Backend)

	var broadcaster *web.StatusBroadcaster
	if webPort.port() > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	chip, err := gpio.NewChip(cfg.GPIO.Backend, cfg.GPIOPollInterval())
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	source := capture.NewGstSource(capture.GstConfig{
		Device:      cfg.Capture.Device,
		Width:       cfg.Capture.Width,
		Height:      cfg.Capture.Height,
		FPS:         cfg.Capture.FPS,
		ReadTimeout: cfg.ReadTimeout(),
	})

	s, err := newScope(cfg, chip, nil, source)
	if err != nil {
		log.Fatalf("init failed: %v", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	s.AttachDisplay(newFrameRateLogger(5 * time.Second).consume)
	s.Start(ctx)

	if port := webPort.port(); port > 0 {
		handlers := web.NewHandlers(broadcaster, s.Status, s.controls.SetPalette)
		srv := web.NewServer(fmt.Sprintf(":%d", port), handlers)
		if err := srv.Run(ctx); err != nil {
			debug.Error(fmt.Errorf("web server: %w", err))
		}
	}
	<-ctx.Done()
	debug.Summary("Shutting down")
}

// scope holds the wired components of a running device.
type scope struct {
	registry *gpio.Registry
	lines    []*gpio.EdgeSource
	top      *rotary.Encoder
	side     *rotary.Encoder

	link    *p2pro.Link
	stream  *capture.Stream
	arbiter *arbiter.Arbiter

	store    *settings.Store
	controls *controls.Controller

	display    capture.Token
	hasDisplay bool
	stopWorker context.CancelFunc
	workerDone chan struct{}
}

// newScope claims the encoder lines and wires every component. A nil
// opener uses the real USB stack.
func newScope(cfg *config.Config, chip gpio.Chip, opener p2pro.Opener, src capture.Source) (*scope, error) {
	s := &scope{registry: gpio.NewRegistry(chip)}

	debug.Step(1, "Claiming encoder lines")
	claim := func(enc config.EncoderConfig) (*rotary.Encoder, error) {
		var in [3]*gpio.EdgeSource
		for i, line := range []int{enc.APin, enc.BPin, enc.ButtonPin} {
			src, err := s.registry.Claim(line)
			if err != nil {
				return nil, err
			}
			s.lines = append(s.lines, src)
			in[i] = src
		}
		return rotary.New(in[0], in[1], in[2]), nil
	}
	var err error
	if s.top, err = claim(cfg.TopEncoder); err != nil {
		s.releaseLines()
		return nil, fmt.Errorf("top encoder: %w", err)
	}
	if s.side, err = claim(cfg.SideEncoder); err != nil {
		s.top.Close()
		s.releaseLines()
		return nil, fmt.Errorf("side encoder: %w", err)
	}

	debug.Step(2, "Wiring USB device")
	s.link = p2pro.NewLink(opener, cfg.USB.VendorID, cfg.USB.ProductID)
	cmd := p2pro.NewCommandChannel(s.link)
	cmd.Timeout = cfg.CommandTimeout()
	cmd.PollInterval = cfg.CommandPollInterval()
	s.stream = capture.NewStream(src, cfg.OpenTimeout())
	s.arbiter = arbiter.New(s.link, cmd, s.stream)

	debug.Step(3, "Loading settings")
	s.store = settings.NewStore(cfg.Settings.Path, cfg.SaveDelay())
	if _, err := s.store.Load(); err != nil {
		debug.Error(fmt.Errorf("load settings, using defaults: %w", err))
	}
	s.controls = controls.New(s.store, s.arbiter)
	s.controls.Attach(s.top, s.side)
	return s, nil
}

// AttachDisplay registers fn as the frame consumer of the display side,
// replacing any previous one.
func (s *scope) AttachDisplay(fn capture.Consumer) {
	if s.hasDisplay {
		s.stream.UnregisterConsumer(s.display)
	}
	s.display = s.stream.RegisterConsumer(fn)
	s.hasDisplay = true
}

// Start launches the palette worker, applies the stored palette in command
// mode, then starts video. Failures are logged; the encoders and status
// surface keep working without the camera.
func (s *scope) Start(ctx context.Context) {
	debug.Summary("Startup")
	workerCtx, cancel := context.WithCancel(ctx)
	s.stopWorker = cancel
	s.workerDone = make(chan struct{})
	go func() {
		defer close(s.workerDone)
		s.controls.Run(workerCtx)
	}()

	p := s.store.Get().Palette
	if err := s.arbiter.SwitchTo(arbiter.Command); err != nil {
		debug.Error(fmt.Errorf("enter command mode: %w", err))
	} else if err := s.arbiter.SetPalette(p); err != nil {
		debug.Error(fmt.Errorf("apply stored palette %s: %w", p, err))
	}
	if err := s.arbiter.SwitchTo(arbiter.Video); err != nil {
		debug.Error(fmt.Errorf("start video: %w", err))
	}
}

// Status builds the web status snapshot.
func (s *scope) Status() web.Status {
	v := s.controls.View()
	st := s.stream.Stats()
	return web.Status{
		Mode:       s.arbiter.Mode().String(),
		Capture:    s.stream.State().String(),
		Frames:     st.Frames,
		ReadErrors: st.ReadErrors,
		TopMenu:    v.Top.String(),
		SideMenu:   v.Side.String(),
		Palette:    uint8(v.Settings.Palette),
		PaletteStr: v.Settings.Palette.String(),
		Reticle:    v.Settings.Reticle.String(),
		XOffset:    v.Settings.XOffset,
		YOffset:    v.Settings.YOffset,
		Zoom:       v.Settings.Zoom,
	}
}

// Close detaches the encoders, waits for the palette worker, hands the
// USB device back through the arbiter, writes pending settings and
// returns the GPIO lines.
func (s *scope) Close() error {
	s.top.Close()
	s.side.Close()
	if s.stopWorker != nil {
		s.stopWorker()
		<-s.workerDone
		s.stopWorker = nil
	}

	var errs []error
	errs = append(errs, s.arbiter.Shutdown())
	errs = append(errs, s.store.Flush())
	errs = append(errs, s.releaseLines())
	return errors.Join(errs...)
}

func (s *scope) releaseLines() error {
	var errs []error
	for _, l := range s.lines {
		errs = append(errs, l.Release())
	}
	s.lines = nil
	return errors.Join(errs...)
}

// frameRateLogger stands in for the display: it counts delivered frames
// and logs the rate every period.
type frameRateLogger struct {
	period time.Duration
	start  time.Time
	frames int
}

func newFrameRateLogger(period time.Duration) *frameRateLogger {
	return &frameRateLogger{period: period}
}

func (l *frameRateLogger) consume(f *capture.Frame, streaming bool) bool {
	if l.start.IsZero() {
		l.start = f.Timestamp
	}
	l.frames++
	if elapsed := f.Timestamp.Sub(l.start); elapsed >= l.period || !streaming {
		if elapsed > 0 {
			debug.Verbose("Capture: %.1f fps (%dx%d, seq %d)",
				float64(l.frames)/elapsed.Seconds(), f.Width, f.Height, f.Seq)
		}
		l.start, l.frames = f.Timestamp, 0
	}
	return true
}

// applyFlags overrides cfg from the command line. A negative debugLevel
// keeps the configured one.
func applyFlags(cfg *config.Config, debugLevel int, mockGPIO bool) error {
	if debugLevel >= 0 {
		if debugLevel > debug.LevelTrace {
			return fmt.Errorf("debug level must be between 0 and %d, got %d", debug.LevelTrace, debugLevel)
		}
		cfg.Defaults.DebugLevel = debugLevel
	}
	if mockGPIO {
		cfg.GPIO.Backend = gpio.BackendMock
	}
	return nil
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= uses the
// configured port, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
	useDefault  bool
}

func (w *webPortFlag) String() string {
	if w.port() == 0 {
		return "0"
	}
	return strconv.Itoa(w.port())
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.useDefault = true
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int {
	if w.useDefault {
		return w.defaultPort
	}
	return w.val
}
