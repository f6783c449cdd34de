package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

var (
	currentLevel = LevelInfo
	mu           sync.RWMutex
)

// SetLevel sets the global log level.
func SetLevel(l Level) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = l
}

// Enabled reports whether messages at l are emitted.
func Enabled(l Level) bool {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel >= l
}

// Setup initializes the standard logger output.
func Setup(w io.Writer) {
	log.SetOutput(w)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
}

// Debug logs internal tracing, off unless the level is LevelDebug.
func Debug(format string, v ...interface{}) {
	if Enabled(LevelDebug) {
		output("DEBUG: "+format, v...)
	}
}

// Info logs informative messages if the level allows.
func Info(format string, v ...interface{}) {
	if Enabled(LevelInfo) {
		output("INFO: "+format, v...)
	}
}

// Warn logs recoverable problems.
func Warn(format string, v ...interface{}) {
	if Enabled(LevelWarn) {
		output("WARN: "+format, v...)
	}
}

// Error logs error messages.
func Error(format string, v ...interface{}) {
	if Enabled(LevelError) {
		output("ERROR: "+format, v...)
	}
}

// Fatal logs independent of error level and exits.
func Fatal(format string, v ...interface{}) {
	output("FATAL: "+format, v...)
	os.Exit(1)
}

func output(format string, v ...interface{}) {
	// Calldepth 3 to skip this function, the level helper, and get to caller
	log.Output(3, fmt.Sprintf(format, v...))
}
