package klog

import (
	"bytes"
	"testing"
)

func TestPrintfWritesWhenEnabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Printf("tick=%d\n", 42)
	if buf.String() != "tick=42\n" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestPrintfSilentWhenDisabled(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.Enabled = false
	l.Printf("should not appear")
	if buf.Len() != 0 {
		t.Fatalf("got %q, want empty", buf.String())
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Printf("noop")
}

func warnFromHere(l *Logger, n int) {
	l.WarnOnce("warned %d\n", n)
}

func TestWarnOnceFiresOnlyOnceFromEachSite(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	warnFromHere(l, 1)
	warnFromHere(l, 2)
	warnFromHere(l, 3)
	if buf.String() != "warned 1\n" {
		t.Fatalf("got %q, want only the first call's output", buf.String())
	}
}

func TestWarnOnceTracksDistinctSitesSeparately(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf)
	l.WarnOnce("a\n")
	l.WarnOnce("b\n")
	if buf.String() != "a\nb\n" {
		t.Fatalf("got %q, want both sites to log once each", buf.String())
	}
}
