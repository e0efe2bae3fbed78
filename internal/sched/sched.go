// Package sched implements the Scheduler of spec.md §4.6: a fixed thread
// table, reservoir-sampled ready-queue selection, and the save/restore and
// fork/exit/yield/signal operations built on top of it.
//
// Thread shape and lifecycle are grounded on
// original_source/src/kernel/thread.h's Thread/CpuState (tid/pid/priority/
// parent_tid/state/page_dir/file_descriptors, a fixed array rather than a
// linked free list) and original_source/src/kernel/thread.cpp's
// Schedule/SignalThread (reservoir sampling over Ready threads, idle-thread
// fallback, segfault-in-init-is-fatal). SaveState/LoadState/ExitToThread
// mechanics are the concrete grounding named in SPEC_FULL.md item D.2: a
// straight field-by-field copy into/out of the trap frame, no coroutine
// abstraction. The table itself (fixed-size array scanned linearly) mirrors
// biscuit/src/tinfo's thread-info-by-index convention.
package sched

import (
	"github.com/gstavenga/pep32/internal/kconfig"
	"github.com/gstavenga/pep32/internal/paging"
	"github.com/gstavenga/pep32/internal/trap"
)

// State is a thread's scheduling state (spec.md §3 Thread).
type State int

const (
	Unused State = iota
	Running
	Ready
	Blocked
	Zombie
)

// FileDescriptor is one slot of a thread's fixed fd table (spec.md §3
// Thread reserves 16 slots; §9 fixes open() to return a real index into
// this table whose entry records the backing archive byte range).
type FileDescriptor struct {
	Valid      bool
	ArchiveOff int
	ArchiveLen int
	Cursor     int
}

// Thread is one entry of the fixed thread table.
type Thread struct {
	Tid, Pid, Priority, ParentTid int
	State                        State
	IsProcess                    bool
	AS                           *paging.AddressSpace
	Frame                        trap.Frame
	FDs                          [kconfig.MaxFDs]FileDescriptor
	ExitCode                     int
}

// Scheduler owns the fixed thread table and the currently running thread's
// id (spec.md §4.6 State and invariants: "exactly one thread with
// state=Running; its id equals current").
type Scheduler struct {
	threads [kconfig.MaxThreads]Thread
	current int
	seed    uint64
}

// Reservoir-sampling LCG constants, carried verbatim from
// original_source/src/kernel/thread.cpp (SPEC_FULL.md's scheduler
// grounding): a-1 divisible by every prime factor of 2^64 (and by 4), c
// coprime to 2^64 — the Hull-Dobell conditions for a full-period LCG.
const (
	lcgA    uint64 = 0xdeadbeed
	lcgC    uint64 = 0x12345679
	lcgSeed uint64 = 0xcafebabedeadbeef
)

// New builds a scheduler with thread 0 (idle) already Running, matching
// spec.md §4.6's invariant that thread 0 always exists as the fallback.
func New() *Scheduler {
	s := &Scheduler{seed: lcgSeed}
	s.threads[kconfig.IdleTid].Tid = kconfig.IdleTid
	s.threads[kconfig.IdleTid].State = Running
	s.current = kconfig.IdleTid
	return s
}

// Thread returns a pointer to the table slot for tid, for callers (boot,
// syscall dispatch) that need direct access to a thread's frame or fd
// table.
func (s *Scheduler) Thread(tid int) *Thread { return &s.threads[tid] }

// Current returns the running thread.
func (s *Scheduler) Current() *Thread { return &s.threads[s.current] }

// CreateThread finds an Unused slot and initializes it as a child of
// parent (nil for the very first, init, thread), per
// original_source/thread.cpp's CreateThread: inherits priority, records
// parent_tid, starts Ready.
func (s *Scheduler) CreateThread(parent *Thread, as *paging.AddressSpace, isProcess bool) (*Thread, bool) {
	for i := 1; i < kconfig.MaxThreads; i++ {
		t := &s.threads[i]
		if t.State != Unused {
			continue
		}
		t.Tid = i
		t.IsProcess = isProcess
		if parent != nil {
			t.Priority = parent.Priority
			t.ParentTid = parent.Tid
			if isProcess {
				t.Pid = i
			} else {
				t.Pid = parent.Pid
			}
		} else {
			t.ParentTid = -1
			t.Pid = i
		}
		t.State = Ready
		t.AS = as
		t.ExitCode = 0
		for j := range t.FDs {
			t.FDs[j] = FileDescriptor{}
		}
		return t, true
	}
	return nil, false
}

// next implements the reservoir sample over every Ready thread with
// index != excludeTid and index != IdleTid (idle is only ever chosen by
// Schedule's must_switch fallback) (spec.md §4.6): advance the LCG once, then on the
// k-th Ready candidate replace the pick with probability 1/k by testing
// seed%k == 0, exactly as original_source/thread.cpp's Schedule does.
func (s *Scheduler) next(excludeTid int) (*Thread, bool) {
	s.seed = lcgA*s.seed + lcgC
	var picked *Thread
	count := 0
	for i := 1; i < kconfig.MaxThreads; i++ {
		if i == excludeTid {
			continue
		}
		t := &s.threads[i]
		if t.State != Ready {
			continue
		}
		count++
		if s.seed%uint64(count) == 0 {
			picked = t
		}
	}
	if picked == nil {
		return nil, false
	}
	return picked, true
}

// Schedule implements spec.md §4.6's schedule(current_tid, must_switch):
// pick a next Ready thread (or idle, if must_switch and none is Ready);
// transition old -> Ready (unless already a non-Ready terminal state), new
// -> Running; switch address spaces. It is "exit to thread": the new
// thread's frame becomes *frame in place, so the caller's subsequent trap
// return resumes the new thread, never the old one.
func (s *Scheduler) Schedule(tid int, mustSwitch bool, frame *trap.Frame) {
	next, ok := s.next(tid)
	if !ok {
		if !mustSwitch {
			return
		}
		next = &s.threads[kconfig.IdleTid]
	}
	old := &s.threads[tid]
	if old.State == Running {
		old.State = Ready
	}
	next.State = Running
	s.current = next.Tid
	paging.SwitchTo(next.AS)
	*frame = next.Frame
}

// SaveState copies frame into thread's saved register state
// (original_source/arch/x86/thread.cpp's SaveState, SPEC_FULL.md item D.2).
func (s *Scheduler) SaveState(thread *Thread, frame *trap.Frame) { thread.Frame = *frame }

// Yield implements spec.md §4.6 yield(): save, mark Ready, reschedule
// without forcing a switch.
func (s *Scheduler) Yield(frame *trap.Frame) {
	cur := s.Current()
	s.SaveState(cur, frame)
	cur.State = Ready
	s.Schedule(cur.Tid, false, frame)
}

// Fork implements spec.md §4.6 fork(): clone the address space under COW,
// allocate a child thread slot inheriting priority, copy the parent's
// frame into the child with EAX forced to 0, and set the parent's EAX to
// the child's tid. Both threads remain Ready/Running respectively — no
// reschedule happens here.
func (s *Scheduler) Fork(frame *trap.Frame) bool {
	parent := s.Current()
	childAS, ok := parent.AS.ForkCurrent()
	if !ok {
		frame.SetReturn(^uint32(0)) // ENOMEM surfaces to the caller as -1
		return false
	}
	child, ok := s.CreateThread(parent, childAS, true)
	if !ok {
		childAS.Destroy()
		frame.SetReturn(^uint32(0))
		return false
	}
	s.SaveState(parent, frame)
	child.Frame = parent.Frame
	child.Frame.SetReturn(0)
	frame.SetReturn(uint32(child.Tid))
	return true
}

// Exit implements spec.md §4.6 exit(code): release the thread's address
// space unconditionally (original_source/kernel/syscalls.cpp's SysExit
// always calls DestroyPageDir on the exiting thread, parent or not — there
// is no wait/reap syscall in this design to defer the release to), mark it
// Zombie so a parent can still observe the exit code (or Unused when it has
// no parent, ParentTid <= 0), and force a
// reschedule. Destroying here rather than on reap is what makes the fork
// round-trip in spec.md §8 testable property 4 hold: every frame shared by
// fork has its count restored the moment both sides have exited, with
// nothing left to collect later.
func (s *Scheduler) Exit(code int, frame *trap.Frame) {
	cur := s.Current()
	cur.ExitCode = code
	cur.AS.Destroy()
	if cur.ParentTid <= 0 {
		cur.State = Unused
	} else {
		cur.State = Zombie
	}
	s.Schedule(cur.Tid, true, frame)
}

// Exec implements the two-phase execve design spec.md §9's Open Questions
// names as the fix for `exec`'s original fragility (SPEC_FULL.md item D.1):
// the caller has already built newAS and located entry before calling this,
// so Exec itself only swaps the address space in, rewrites the frame to
// resume at entry in ring 3, and switches to it — it never runs kernel code
// against the new address space before the trap-return boundary the way
// original_source/src/kernel/syscalls.cpp's Exec did by loading the ELF
// image after the page directory swap.
func (s *Scheduler) Exec(thread *Thread, newAS *paging.AddressSpace, entry uint32, frame *trap.Frame) {
	old := thread.AS
	thread.AS = newAS
	thread.Frame.EIP = entry
	thread.Frame.CS = 0x1B
	thread.Frame.EFlags = 0x202
	old.Destroy()
	paging.SwitchTo(newAS)
	*frame = thread.Frame
}

// Signal implements spec.md §4.6 signal(thread, addr): a segmentation
// fault in the init thread (pid 1, kconfig.InitTid) is fatal to the whole system; any other
// thread is torn down (Unused if it is the one currently running, Zombie
// otherwise) and, if it was current, a reschedule is forced.
func (s *Scheduler) Signal(thread *Thread, addr uint32, frame *trap.Frame) {
	if thread.Pid == kconfig.InitTid {
		panic("segmentation fault in init thread")
	}
	if thread.Tid == s.current {
		thread.State = Unused
		thread.AS.Destroy()
		s.Schedule(thread.Tid, true, frame)
	} else {
		thread.State = Zombie
	}
}
