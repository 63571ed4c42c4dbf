// Package nlog is the runtime's structured logger: leveled, written
// through a buffered writer so a burst of worker-panic or migration-abort
// log lines never stalls the tick that produced them.
package nlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

var (
	mu     sync.Mutex
	level  = LevelInfo
	out    = bufio.NewWriterSize(os.Stderr, 32*1024)
	flushT *time.Timer
)

func init() {
	// Flush on a timer rather than every line: nlog is used from the
	// steal loop and the cell drain loop, both hot.
	flushT = time.AfterFunc(200*time.Millisecond, flushLoop)
}

func flushLoop() {
	mu.Lock()
	_ = out.Flush()
	mu.Unlock()
	flushT.Reset(200 * time.Millisecond)
}

// SetLevel adjusts the minimum level that reaches the writer.
func SetLevel(l Level) {
	mu.Lock()
	level = l
	mu.Unlock()
}

// SetOutput redirects log output, flushing the prior writer first.
func SetOutput(w io.Writer) {
	mu.Lock()
	_ = out.Flush()
	out = bufio.NewWriterSize(w, 32*1024)
	mu.Unlock()
}

// Flush forces any buffered log lines out. Call before process exit.
func Flush() {
	mu.Lock()
	_ = out.Flush()
	mu.Unlock()
}

func logf(l Level, tag, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	if l < level {
		return
	}
	fmt.Fprintf(out, "%s %-7s %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), levelName(l), tag, fmt.Sprintf(format, args...))
}

func levelName(l Level) string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "?"
	}
}

func Debugf(format string, args ...any)   { logf(LevelDebug, "-", format, args...) }
func Infof(format string, args ...any)    { logf(LevelInfo, "-", format, args...) }
func Warningf(format string, args ...any) { logf(LevelWarning, "-", format, args...) }
func Errorf(format string, args ...any)   { logf(LevelError, "-", format, args...) }

// Tagf logs at Warning level with a stable tag (WorkloadPanic,
// MigrationTimeout, AdmissionReject), so log scrapers can key on the tag
// rather than the message text.
func Tagf(tag, format string, args ...any) { logf(LevelWarning, tag, format, args...) }
