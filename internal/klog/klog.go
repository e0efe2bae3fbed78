// Package klog implements the kernel's structured logging sink. A
// freestanding kernel has no syslog daemon under it, so, the same way
// stats/stats.go gates its own counters behind compile-time constants
// (Stats, Timing) rather than a runtime logging level, klog gates output
// behind a simple Enabled flag and writes to whatever io.Writer the boot
// path hands it — the VGA console in production, a bytes.Buffer in tests.
package klog

import (
	"fmt"
	"io"
	"runtime"
	"sync"
)

// Logger writes formatted diagnostic lines to an underlying sink when
// Enabled. The zero value has output disabled.
type Logger struct {
	Enabled bool
	w       io.Writer

	onceMu sync.Mutex
	seen   map[callSite]bool
}

// callSite identifies a WarnOnce call by source position.
type callSite struct {
	file string
	line int
}

// New builds a Logger writing to w, enabled by default.
func New(w io.Writer) *Logger { return &Logger{Enabled: true, w: w} }

// Printf formats and writes one line, doing nothing when disabled or
// unconfigured (so code may log unconditionally before the console is
// wired up without nil-checking).
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || !l.Enabled || l.w == nil {
		return
	}
	fmt.Fprintf(l.w, format, args...)
}

// WarnOnce logs the formatted line the first time a given call site reaches
// it and silently drops every later call from the same site. It replaces
// caller/caller.go's Distinct_caller_t, which hashed whole call chains to
// track first-sighting; a kernel warning only needs its own site identity
// (the file and line runtime.Caller(1) reports, which stay the same when
// the calling function is inlined, unlike its pc), so the chain-hashing
// machinery was dropped along the way rather than adapted in full.
func (l *Logger) WarnOnce(format string, args ...any) {
	if l == nil || !l.Enabled || l.w == nil {
		return
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		l.Printf(format, args...)
		return
	}
	site := callSite{file, line}
	l.onceMu.Lock()
	if l.seen == nil {
		l.seen = make(map[callSite]bool)
	}
	if l.seen[site] {
		l.onceMu.Unlock()
		return
	}
	l.seen[site] = true
	l.onceMu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}
