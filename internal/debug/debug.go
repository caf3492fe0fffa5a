package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (mode switches, device open/close)
	LevelLive    = 2 // Live info (encoder steps, clicks, settings changes)
	LevelVerbose = 3 // Verbose (state machine details, command framing)
	LevelTrace   = 4 // Trace (GPIO edges, individual USB transfers)
)

var (
	mu     sync.RWMutex
	level  int
	out    io.Writer = os.Stdout
	logger *log.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (mode switches, device open/close)
// 2 = live info (encoder steps, clicks, settings changes)
// 3 = verbose (state machine details, command framing)
// 4 = trace (GPIO edges, individual USB transfers)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	if level > LevelOff {
		logger = log.New(out, "[thermoscope] ", log.LstdFlags|log.Lmicroseconds)
	} else {
		logger = nil
	}
}

// SetOutput redirects debug output (e.g. to mirror it to web clients).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	if logger != nil {
		logger.SetOutput(w)
	}
}

func printf(minLevel int, format string, args ...interface{}) {
	mu.RLock()
	l, lg := level, logger
	mu.RUnlock()
	if l >= minLevel && lg != nil {
		lg.Printf(format, args...)
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	printf(LevelInfo, "[INFO] "+format, args...)
}

// Warn prints a level 1 warning. Used for hardware conditions that are
// logged but do not abort the running operation.
func Warn(format string, args ...interface{}) {
	printf(LevelInfo, "[WARN] "+format, args...)
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	printf(LevelInfo, "═══════════════════════════════════════")
	printf(LevelInfo, "  %s", title)
	printf(LevelInfo, "═══════════════════════════════════════")
}

// Mode prints a USB mode transition (level 1).
func Mode(from, to fmt.Stringer) {
	printf(LevelInfo, "[INFO] USB mode: %s -> %s", from, to)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	printf(LevelLive, "[LIVE] "+format, args...)
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	printf(LevelVerbose, "[VERBOSE] "+format, args...)
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	printf(LevelVerbose, "[VERBOSE] %s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	printf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	printf(LevelVerbose, "  %s", name)
	printf(LevelVerbose, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	printf(LevelVerbose, "[VERBOSE] Step %d: %s", num, description)
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	printf(LevelInfo, "[INFO]   %s = %v", name, value)
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	printf(LevelTrace, "[TRACE] "+format, args...)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, line int, value interface{}) {
	printf(LevelTrace, "[GPIO] %s line=%d value=%v", operation, line, value)
}

// USB prints a single control transfer (level 4).
func USB(operation string, index uint16, n int) {
	printf(LevelTrace, "[USB] %s wIndex=0x%04x len=%d", operation, index, n)
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	printf(LevelInfo, "[ERROR] %v", err)
}
