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
	LevelInfo    = 1 // Important info (session, frame count, trigger setup)
	LevelLive    = 2 // Live info (frames received, trigger records decoded)
	LevelVerbose = 3 // Verbose (camera lifecycle, protocol exchange)
	LevelTrace   = 4 // Trace (wire bytes, GPIO, very low level)
)

var (
	mu     sync.RWMutex
	level  int
	prefix = "[cddm] "
	out    io.Writer = os.Stdout
	logger *log.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (session, frame count, trigger setup)
// 2 = live info (frames, trigger records)
// 3 = verbose (camera lifecycle, protocol exchange)
// 4 = trace (wire bytes, GPIO)
func Init(debugLevel int) {
	mu.Lock()
	defer mu.Unlock()
	level = debugLevel
	logger = nil
	if level > LevelOff {
		logger = log.New(out, prefix, log.LstdFlags|log.Lmicroseconds)
	}
}

// SetOutput redirects all debug output (e.g. to tee it into the web status stream).
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	if logger != nil {
		logger.SetOutput(w)
	}
}

// SetPrefix changes the line prefix. The worker process uses it to tag its lines.
func SetPrefix(p string) {
	mu.Lock()
	defer mu.Unlock()
	prefix = p
	if logger != nil {
		logger.SetPrefix(p)
	}
}

// Level returns the current debug level.
func Level() int {
	mu.RLock()
	defer mu.RUnlock()
	return level
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return Level() >= minLevel
}

func printf(minLevel int, format string, args ...interface{}) {
	mu.RLock()
	l := logger
	enabled := level >= minLevel
	mu.RUnlock()
	if enabled && l != nil {
		l.Printf(format, args...)
	}
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	printf(LevelInfo, "[INFO] "+format, args...)
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	printf(LevelInfo, "═══════════════════════════════════════")
	printf(LevelInfo, "  %s", title)
	printf(LevelInfo, "═══════════════════════════════════════")
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	printf(LevelInfo, "[INFO]   %s = %v", name, value)
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	printf(LevelLive, "[LIVE] "+format, args...)
}

// Frame prints a received frame pair (level 2).
func Frame(index, total int) {
	printf(LevelLive, "[LIVE] Frame pair %d/%d", index+1, total)
}

// Record prints a decoded trigger record (level 2).
func Record(tag byte, micros uint32) {
	printf(LevelLive, "[LIVE] Trigger record tag=%d t=%dus", tag, micros)
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

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace).
func Trace(format string, args ...interface{}) {
	printf(LevelTrace, "[TRACE] "+format, args...)
}

// Wire prints raw bytes exchanged with the microcontroller (level 4).
func Wire(direction string, data []byte) {
	printf(LevelTrace, "[WIRE] %s % x", direction, data)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	printf(LevelTrace, "[GPIO] %s pin=%d value=%v", operation, pin, value)
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	printf(LevelInfo, "[ERROR] %v", err)
}

// Warn prints a warning (level 1+).
func Warn(format string, args ...interface{}) {
	printf(LevelInfo, "[WARN] "+format, args...)
}

// Fmt is a helper function that returns a formatted string
// only if debug is enabled (to avoid unnecessary allocations).
func Fmt(format string, args ...interface{}) string {
	if Level() > 0 {
		return fmt.Sprintf(format, args...)
	}
	return ""
}
