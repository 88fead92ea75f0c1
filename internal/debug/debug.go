package debug

import (
	"io"
	"log"
	"os"

	"github.com/fatih/color"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (startup, config changes, emergency stop)
	LevelLive    = 2 // Live info (per-tick corrections, sensor drop-outs)
	LevelVerbose = 3 // Verbose (filter and PID internals)
	LevelTrace   = 4 // Trace (GPIO, I2C, very low level)
)

var (
	level  int
	output io.Writer = os.Stdout
	logger *log.Logger

	tagInfo    = color.New(color.FgGreen).SprintFunc()
	tagLive    = color.New(color.FgCyan).SprintFunc()
	tagVerbose = color.New(color.FgBlue).SprintFunc()
	tagTrace   = color.New(color.FgMagenta).SprintFunc()
	tagWarn    = color.New(color.FgYellow, color.Bold).SprintFunc()
	tagError   = color.New(color.FgRed, color.Bold).SprintFunc()
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (startup, gains applied, emergency stop)
// 2 = live info (corrections sent to the motors, degraded reads)
// 3 = verbose (filter before/after, PID terms)
// 4 = trace (GPIO, I2C, very low level)
func Init(debugLevel int) {
	level = debugLevel
	if level > LevelOff {
		logger = log.New(output, "[RobArm] ", log.LstdFlags|log.Lmicroseconds)
	}
}

// SetOutput redirects debug output (e.g. to stdout plus the web status stream
// plus a serial console). Colors are only kept when writing to a plain terminal.
func SetOutput(w io.Writer) {
	output = w
	if w != io.Writer(os.Stdout) {
		color.NoColor = true
	}
	if logger != nil {
		logger.SetOutput(w)
	}
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return level >= minLevel
}

// --- Level 1 functions (Info): important info ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf(tagInfo("[INFO] ")+format, args...)
	}
}

// Warn prints a level 1 warning. Used for degraded but non-fatal conditions.
func Warn(format string, args ...interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf(tagWarn("[WARN] ")+format, args...)
	}
}

// Summary prints an important summary (level 1).
func Summary(title string) {
	if level >= LevelInfo && logger != nil {
		logger.Printf("═══════════════════════════════════════")
		logger.Printf("  %s", title)
		logger.Printf("═══════════════════════════════════════")
	}
}

// Gains prints a gain/setpoint change for a channel (level 1).
func Gains(channel string, p, i, d, setpoint float64) {
	if level >= LevelInfo && logger != nil {
		logger.Printf(tagInfo("[INFO] ")+"%s PID updated: P=%.2f, I=%.2f, D=%.2f, Angle=%.2f", channel, p, i, d, setpoint)
	}
}

// --- Level 2 functions (Live): real-time info ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	if level >= LevelLive && logger != nil {
		logger.Printf(tagLive("[LIVE] ")+format, args...)
	}
}

// Drive prints a motor command (level 2).
func Drive(channel string, correction float64, direction string, duty uint8) {
	if level >= LevelLive && logger != nil {
		logger.Printf(tagLive("[LIVE] ")+"Motor %s: correction=%.2f dir=%s duty=%d", channel, correction, direction, duty)
	}
}

// --- Level 3 functions (Verbose): everything ---

// Verbose prints a level 3 message (verbose).
func Verbose(format string, args ...interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf(tagVerbose("[VERBOSE] ")+format, args...)
	}
}

// PrintStruct prints a struct in formatted form (level 3).
func PrintStruct(name string, v interface{}) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf(tagVerbose("[VERBOSE] ")+"%s: %+v", name, v)
	}
}

// Sample prints a raw vs filtered angle pair (level 3).
func Sample(channel string, raw, filtered float64) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf(tagVerbose("[VERBOSE] ")+"%s angle raw=%.2f filtered=%.2f", channel, raw, filtered)
	}
}

// Section prints a section separator (level 3).
func Section(name string) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		logger.Printf("  %s", name)
		logger.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

// Step prints a numbered step (level 3).
func Step(num int, description string) {
	if level >= LevelVerbose && logger != nil {
		logger.Printf(tagVerbose("[VERBOSE] ")+"Step %d: %s", num, description)
	}
}

// Value prints a named value in formatted form (level 1).
func Value(name string, value interface{}) {
	if level >= LevelInfo && logger != nil {
		logger.Printf(tagInfo("[INFO] ")+"  %s = %v", name, value)
	}
}

// --- Level 4 functions (Trace): very low level ---

// Trace prints a level 4 message (trace).
func Trace(format string, args ...interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf(tagTrace("[TRACE] ")+format, args...)
	}
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	if level >= LevelTrace && logger != nil {
		logger.Printf(tagTrace("[GPIO] ")+"%s pin=%d value=%v", operation, pin, value)
	}
}

// Bus prints an I2C bus operation (level 4).
func Bus(operation, bus string, addr uint16) {
	if level >= LevelTrace && logger != nil {
		logger.Printf(tagTrace("[I2C] ")+"%s bus=%s addr=0x%02X", operation, bus, addr)
	}
}

// --- General functions ---

// Error prints a debug error (level 1+).
func Error(err error) {
	if level >= LevelInfo && logger != nil {
		logger.Printf(tagError("[ERROR] ")+"%v", err)
	}
}
