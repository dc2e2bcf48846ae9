// Package klog provides the thread kernel's logging surface, a thin
// per-component wrapper around github.com/cosmosnicolaou/llog (the glog
// descendant actually imported by vlog's non-flags.go files) that stands in
// for EPOS's db<Component>(level) trace macros (original_source's
// debug/debug.h family).
package klog

import (
	"os"
	"sync"

	"github.com/cosmosnicolaou/llog"
)

// Component names a kernel subsystem the way EPOS's Traits<T>::debugged
// flags do: one component per compilation unit (Thread, Scheduler, Alarm,
// Synchronizer, Periodic_Thread, Boot, ...).
type Component string

const (
	Thread       Component = "thread"
	Scheduler    Component = "scheduler"
	Alarm        Component = "alarm"
	Synchronizer Component = "synchronizer"
	Periodic     Component = "periodic_thread"
	Boot         Component = "boot"
	Tick         Component = "tick"
)

var (
	mu      sync.Mutex
	enabled = map[Component]bool{}
	vmod    = map[Component]llog.Level{}

	// log is the shared llog instance every component writes through, one
	// per process the same way vlog.Log wraps a single llog.NewLogger
	// instance.
	log = newLog()
)

func newLog() *llog.Log {
	l := llog.NewLogger("tkernel", 0)
	l.SetLogToStderr(true)
	return l
}

// Enable turns on tracing for a component at the given verbosity, mirroring
// the source's per-class __USE_TRACE / DB<Component>::config() pattern.
func Enable(c Component, level llog.Level) {
	mu.Lock()
	defer mu.Unlock()
	enabled[c] = true
	vmod[c] = level
}

// Disable silences a component. Components are silent by default.
func Disable(c Component) {
	mu.Lock()
	defer mu.Unlock()
	enabled[c] = false
}

func active(c Component, level llog.Level) bool {
	mu.Lock()
	defer mu.Unlock()
	on := enabled[c]
	if !on {
		return false
	}
	return vmod[c] >= level
}

// Logger is bound to one component and supplies the leveled trace calls the
// kernel sprinkles through dispatch, scheduling and synchronization code.
type Logger struct {
	component Component
}

// For returns the Logger bound to component c.
func For(c Component) Logger {
	return Logger{component: c}
}

// V reports whether tracing at level is currently active for this
// component, letting a caller skip building an expensive trace message.
func (l Logger) V(level llog.Level) bool {
	return active(l.component, level)
}

// Trace logs a leveled trace message, the Go equivalent of
// db<Component>(TRC) << "method(this=" << this << ")" << endl;
func (l Logger) Trace(level llog.Level, format string, args ...interface{}) {
	if !active(l.component, level) {
		return
	}
	log.Printf(llog.InfoLog, "[%s] "+format, prepend(l.component, args)...)
}

// Info logs unconditionally at INFO severity.
func (l Logger) Info(format string, args ...interface{}) {
	log.Printf(llog.InfoLog, "[%s] "+format, prepend(l.component, args)...)
}

// Warning logs at WARNING severity.
func (l Logger) Warning(format string, args ...interface{}) {
	log.Printf(llog.WarningLog, "[%s] "+format, prepend(l.component, args)...)
}

// Error logs at ERROR severity.
func (l Logger) Error(format string, args ...interface{}) {
	log.Printf(llog.ErrorLog, "[%s] "+format, prepend(l.component, args)...)
}

// Fatal logs at ERROR severity, flushes, and terminates the process, the
// equivalent of EPOS's db<Component>(ERR) path for unrecoverable kernel
// faults (an exhausted thread arena; under config.Traits.Debug, a recursive
// Lock or an Unlock by a non-holder).
func (l Logger) Fatal(format string, args ...interface{}) {
	log.Printf(llog.ErrorLog, "[%s] "+format, prepend(l.component, args)...)
	log.Flush()
	os.Exit(1)
}

func prepend(c Component, args []interface{}) []interface{} {
	out := make([]interface{}, 0, len(args)+1)
	out = append(out, string(c))
	out = append(out, args...)
	return out
}

// Flush forces any buffered log entries to be written, for a caller about
// to exit the process. Nothing in the kernel calls it; Fatal flushes on its
// own.
func Flush() {
	log.Flush()
}
