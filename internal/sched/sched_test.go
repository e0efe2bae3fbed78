package sched

import (
	"testing"

	"github.com/gstavenga/pep32/internal/frame"
	"github.com/gstavenga/pep32/internal/kconfig"
	"github.com/gstavenga/pep32/internal/paging"
	"github.com/gstavenga/pep32/internal/trap"
)

func newAS(t *testing.T) *paging.AddressSpace {
	t.Helper()
	alloc := frame.New(256)
	alloc.MarkFree(0, 256)
	zero, _ := alloc.Alloc()
	alloc.InitZeroPage(zero)
	as, ok := paging.New(alloc)
	if !ok {
		t.Fatal("new address space failed")
	}
	paging.SetKernelTemplate(as)
	return as
}

func TestCreateThreadInheritsPriority(t *testing.T) {
	s := New()
	as := newAS(t)
	parent, ok := s.CreateThread(nil, as, true)
	if !ok {
		t.Fatal("create init thread failed")
	}
	parent.Priority = 7
	child, ok := s.CreateThread(parent, as, false)
	if !ok {
		t.Fatal("create child failed")
	}
	if child.Priority != 7 {
		t.Fatalf("child priority = %d, want 7", child.Priority)
	}
	if child.Pid != parent.Pid {
		t.Fatalf("non-process child pid = %d, want parent pid %d", child.Pid, parent.Pid)
	}
}

func TestScheduleFallsBackToIdleWhenMustSwitch(t *testing.T) {
	s := New()
	as := newAS(t)
	var frm trap.Frame
	s.current = kconfig.InitTid
	s.threads[kconfig.InitTid].Tid = kconfig.InitTid
	s.threads[kconfig.InitTid].AS = as
	s.threads[kconfig.InitTid].State = Running
	s.threads[kconfig.IdleTid].AS = as

	s.Schedule(kconfig.InitTid, true, &frm)
	if s.current != kconfig.IdleTid {
		t.Fatalf("current = %d, want idle (0)", s.current)
	}
}

func TestScheduleNoReadyNoMustSwitchReturnsToCaller(t *testing.T) {
	s := New()
	as := newAS(t)
	var frm trap.Frame
	s.current = kconfig.InitTid
	s.threads[kconfig.InitTid].AS = as
	s.threads[kconfig.InitTid].State = Running

	s.Schedule(kconfig.InitTid, false, &frm)
	if s.current != kconfig.InitTid {
		t.Fatalf("current changed to %d despite no ready threads and must_switch=false", s.current)
	}
}

func TestYieldSwitchesToOtherReadyThread(t *testing.T) {
	s := New()
	as := newAS(t)
	t1, _ := s.CreateThread(nil, as, true)
	t2, _ := s.CreateThread(t1, as, true)
	s.current = t1.Tid
	t1.State = Running
	t2.State = Ready

	var frm trap.Frame
	s.Yield(&frm)
	if s.current != t2.Tid {
		t.Fatalf("current = %d, want %d", s.current, t2.Tid)
	}
	if s.threads[t1.Tid].State != Ready {
		t.Fatalf("old thread state = %v, want Ready", s.threads[t1.Tid].State)
	}
}

func TestForkSetsChildReturnZeroParentReturnChildTid(t *testing.T) {
	s := New()
	as := newAS(t)
	parent, _ := s.CreateThread(nil, as, true)
	s.current = parent.Tid
	parent.State = Running

	var frm trap.Frame
	if !s.Fork(&frm) {
		t.Fatal("fork failed")
	}
	if frm.EAX == 0 {
		t.Fatal("parent's returned EAX must be the nonzero child tid")
	}
	childTid := int(frm.EAX)
	child := s.Thread(childTid)
	if child.Frame.EAX != 0 {
		t.Fatalf("child frame EAX = %d, want 0", child.Frame.EAX)
	}
	if child.State != Ready {
		t.Fatalf("child state = %v, want Ready", child.State)
	}
}

func TestExitMarksZombieWhenParentExists(t *testing.T) {
	s := New()
	as := newAS(t)
	parent, _ := s.CreateThread(nil, as, true)
	child, _ := s.CreateThread(parent, as, true)
	s.current = child.Tid
	child.State = Running

	var frm trap.Frame
	s.Exit(3, &frm)
	if child.State != Zombie {
		t.Fatalf("state = %v, want Zombie", child.State)
	}
	if child.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", child.ExitCode)
	}
	if as.Dir() != frame.Invalid {
		t.Fatal("exit must destroy the thread's address space even though a parent survives it")
	}
}

// spec.md §8 testable property 4: fork, then both sides exit(0), restores
// pre-fork refcounts. There is no wait/reap syscall in this design, so
// Exit itself must release the exiting thread's address space immediately
// -- including a child that still has a live parent, the exact case the
// original code skipped (it destroyed only when ParentTid<=0).
func TestForkThenBothExitRestoresPreforkRefcounts(t *testing.T) {
	alloc := frame.New(256)
	alloc.MarkFree(0, 256)
	zero, _ := alloc.Alloc()
	alloc.InitZeroPage(zero)
	parentAS, ok := paging.New(alloc)
	if !ok {
		t.Fatal("new address space failed")
	}
	paging.SetKernelTemplate(parentAS)

	const va = 0x300000
	f, ok := alloc.Alloc()
	if !ok {
		t.Fatal("alloc failed")
	}
	if !parentAS.MapPage(va, f, paging.PteU|paging.PteW) {
		t.Fatal("map failed")
	}

	s := New()
	parent, _ := s.CreateThread(nil, parentAS, true)
	s.current = parent.Tid
	parent.State = Running

	var frm trap.Frame
	if !s.Fork(&frm) {
		t.Fatal("fork failed")
	}
	child := s.Thread(int(frm.EAX))
	if alloc.Refcnt(f) != 2 {
		t.Fatalf("refcnt after fork = %d, want 2 (shared COW)", alloc.Refcnt(f))
	}

	// The child (ParentTid == parent.Tid, a live parent) exits first.
	s.current = child.Tid
	child.State = Running
	s.Exit(0, &frm)

	s.current = parent.Tid
	parent.State = Running
	s.Exit(0, &frm)

	if got := alloc.Refcnt(f); got != 0 {
		t.Fatalf("refcnt after fork+exit+exit = %d, want 0 (both sides released their share)", got)
	}
}

func TestSignalOnInitThreadPanics(t *testing.T) {
	s := New()
	as := newAS(t)
	initThread, _ := s.CreateThread(nil, as, true)
	initThread.Tid = kconfig.InitTid
	s.threads[kconfig.InitTid] = *initThread

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on segfault in init thread")
		}
	}()
	var frm trap.Frame
	s.Signal(s.Thread(kconfig.InitTid), 0xdead, &frm)
}

func TestSignalOnOrdinaryThreadTearsDown(t *testing.T) {
	s := New()
	as := newAS(t)
	parent, _ := s.CreateThread(nil, as, true)
	child, _ := s.CreateThread(parent, as, true)
	s.current = child.Tid
	child.State = Running

	var frm trap.Frame
	s.Signal(child, 0xbad, &frm)
	if child.State != Unused {
		t.Fatalf("state = %v, want Unused", child.State)
	}
}
