// Package settings persists the user-adjustable scalars (palette, reticle,
// offsets, zoom) as a small YAML file.
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cjeanneret/thermoscope/internal/debug"
	"github.com/cjeanneret/thermoscope/internal/hw/p2pro"
)

// Settings is the persisted state.
type Settings struct {
	Palette p2pro.Palette `yaml:"palette"`
	Reticle Reticle       `yaml:"reticle"`
	XOffset int           `yaml:"x_offset"`
	YOffset int           `yaml:"y_offset"`
	Zoom    int           `yaml:"zoom"`
}

// Defaults returns the settings used when nothing was stored yet.
func Defaults() Settings {
	return Settings{Palette: p2pro.DefaultPalette}
}

// Store holds the current settings and writes them to path.
//
// Update coalesces bursts of changes (an encoder being turned) into one
// write issued delay after the last change. Flush writes immediately.
type Store struct {
	path  string
	delay time.Duration

	mu      sync.Mutex
	cur     Settings
	timer   *time.Timer
	pending bool

	writeMu sync.Mutex
}

// NewStore creates a store for path. A zero delay writes on every Update.
func NewStore(path string, delay time.Duration) *Store {
	return &Store{path: path, delay: delay, cur: Defaults()}
}

// Load reads the file into the store. A missing file keeps the defaults.
// Out-of-range values are replaced by their default.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		debug.Verbose("Settings: %s not found, using defaults", s.path)
		s.cur = Defaults()
		return s.cur, nil
	}
	if err != nil {
		return s.cur, fmt.Errorf("read settings: %w", err)
	}

	loaded := Defaults()
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return s.cur, fmt.Errorf("unmarshal settings: %w", err)
	}
	if !loaded.Palette.Valid() {
		debug.Warn("Settings: stored palette %d invalid, using %s", uint8(loaded.Palette), p2pro.DefaultPalette)
		loaded.Palette = p2pro.DefaultPalette
	}
	if !loaded.Reticle.Valid() {
		loaded.Reticle = ReticleDefault
	}
	loaded.XOffset = Clamp(loaded.XOffset, MinOffset, MaxOffset)
	loaded.YOffset = Clamp(loaded.YOffset, MinOffset, MaxOffset)
	loaded.Zoom = Clamp(loaded.Zoom, MinZoom, MaxZoom)

	s.cur = loaded
	debug.PrintStruct("Settings loaded", s.cur)
	return s.cur, nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Update applies fn to the current settings and schedules a write.
func (s *Store) Update(fn func(*Settings)) Settings {
	s.mu.Lock()
	fn(&s.cur)
	cur := s.cur
	s.pending = true

	if s.delay <= 0 {
		s.mu.Unlock()
		if err := s.Flush(); err != nil {
			debug.Error(err)
		}
		return cur
	}

	if s.timer == nil {
		s.timer = time.AfterFunc(s.delay, s.onTimer)
	} else {
		s.timer.Reset(s.delay)
	}
	s.mu.Unlock()
	return cur
}

func (s *Store) onTimer() {
	if err := s.Flush(); err != nil {
		debug.Error(err)
	}
}

// Flush writes pending changes now.
//
// The snapshot is taken while holding writeMu, so files land in snapshot
// order and the last write always carries the newest settings.
func (s *Store) Flush() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	if !s.pending {
		s.mu.Unlock()
		return nil
	}
	s.pending = false
	cur := s.cur
	s.mu.Unlock()
	return s.write(cur)
}

// write replaces the file atomically through a temp file in the same
// directory. Callers hold writeMu.
func (s *Store) write(v Settings) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp settings: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace settings: %w", err)
	}
	debug.Verbose("Settings: saved to %s", s.path)
	return nil
}
