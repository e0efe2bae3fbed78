// Package kstat implements the kernel's accounting counters and their
// export as a pprof profile — the spirit of biscuit's stats/stats.go
// (Counter_t, compile-time Stats gate) and accnt/accnt.go (per-entity
// accumulated nanoseconds) combined with caller/caller.go's habit of
// walking runtime.Caller for diagnostics, but aimed at a real
// github.com/google/pprof/profile.Profile value instead of a
// reflect-based string dump: SPEC_FULL.md's domain-stack section wires
// pprof+demangle in as the kernel's accounting/export format.
package kstat

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/pprof/profile"
	"github.com/ianlancetaylor/demangle"
)

// Counter is a monotonically increasing accounting value, gated the way
// stats.Counter_t is: incrementing is always cheap (a single atomic add)
// so call sites never need to guard it behind a debug build flag.
type Counter struct{ v int64 }

// Inc increments the counter by one.
func (c *Counter) Inc() { atomic.AddInt64(&c.v, 1) }

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) { atomic.AddInt64(&c.v, delta) }

// Load returns the counter's current value.
func (c *Counter) Load() int64 { return atomic.LoadInt64(&c.v) }

// Stats is the process-wide accounting block Bootstrap owns: scheduler
// activity, frame-allocator alloc/free counts (no high-water mark is
// kept), page faults, IRQs, and syscall volume, the
// kernel-core equivalent of biscuit's per-process Accnt_t rolled up
// system-wide rather than per-thread (spec.md's thread table does not
// itself carry per-thread timing, so this tracks the aggregate instead).
type Stats struct {
	ContextSwitches Counter
	PageFaults      Counter
	Syscalls        Counter
	FramesAllocated Counter
	FramesFreed     Counter
	IRQs            Counter

	started time.Time
}

// New builds a Stats block with its epoch set to now.
func New() *Stats { return &Stats{started: time.Now()} }

// sample is one named counter paired with a program counter for
// symbolized export. samples tags every counter with a pc inside samples
// itself, so all samples carry that one symbol, not that of the code that
// updates the counter.
type sample struct {
	name  string
	value int64
	pc    uintptr
}

func (s *Stats) samples() []sample {
	pc, _, _, _ := runtime.Caller(0)
	return []sample{
		{"context_switches", s.ContextSwitches.Load(), pc},
		{"page_faults", s.PageFaults.Load(), pc},
		{"syscalls", s.Syscalls.Load(), pc},
		{"frames_allocated", s.FramesAllocated.Load(), pc},
		{"frames_freed", s.FramesFreed.Load(), pc},
		{"irqs", s.IRQs.Load(), pc},
	}
}

// Export renders the accounting block as a pprof Profile: one sample type
// per counter, one location/function per counter symbolized via
// runtime.FuncForPC, with demangle.Filter normalizing any
// assembly-stub/cgo symbol name that leaks into that path (the same
// pprof+demangle pairing upstream tooling uses).
func (s *Stats) Export() *profile.Profile {
	samples := s.samples()
	p := &profile.Profile{
		TimeNanos:     s.started.UnixNano(),
		DurationNanos: time.Since(s.started).Nanoseconds(),
		PeriodType:    &profile.ValueType{Type: "counter", Unit: "count"},
		Period:        1,
	}
	for _, sm := range samples {
		p.SampleType = append(p.SampleType, &profile.ValueType{Type: sm.name, Unit: "count"})
	}
	for i, sm := range samples {
		fn := &profile.Function{
			ID:   uint64(i + 1),
			Name: symbolName(sm.pc),
		}
		loc := &profile.Location{
			ID:   uint64(i + 1),
			Line: []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		values := make([]int64, len(samples))
		values[i] = sm.value
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    values,
			Label:    map[string][]string{"counter": {sm.name}},
		})
	}
	return p
}

func symbolName(pc uintptr) string {
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknown"
	}
	return demangle.Filter(fn.Name())
}
