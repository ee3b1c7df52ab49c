package log

import (
	"bytes"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, name string) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	SetOutput(buf)
	return ForService(name), buf
}

func TestInfoHasLevelAndPrefix(t *testing.T) {
	SetGlobalDebug(false)

	l, buf := newTestLogger(t, "prefix_test")
	l.Infof("user %d online", 7)

	out := buf.String()
	if !strings.Contains(out, "INFO [prefix_test] user 7 online") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestForServiceMemoizes(t *testing.T) {
	a := ForService("memo")
	b := ForService("memo")
	if a != b {
		t.Fatalf("expected the same logger instance")
	}
	if ForService("").Name() != "chirper" {
		t.Fatalf("empty name should fall back to chirper")
	}
}

func TestDebugPerService(t *testing.T) {
	SetGlobalDebug(false)

	const name = "debug_specific"
	DisableDebugFor(name)
	l, buf := newTestLogger(t, name)

	l.Debugf("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("debug line printed while disabled")
	}

	EnableDebugFor(name)
	defer DisableDebugFor(name)
	l.Debugf("shown")
	if !strings.Contains(buf.String(), "DEBUG [debug_specific] shown") {
		t.Fatalf("expected debug line, got %q", buf.String())
	}

	other, _ := newTestLogger(t, "debug_other")
	other.Debugf("not for me")
	if strings.Contains(buf.String(), "not for me") {
		t.Fatalf("per-service debug leaked to another service")
	}
}

func TestDebugGlobal(t *testing.T) {
	SetGlobalDebug(false)
	l, buf := newTestLogger(t, "debug_global")

	l.Debugf("quiet")
	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}

	SetGlobalDebug(true)
	defer SetGlobalDebug(false)
	l.Debugf("loud")
	if !strings.Contains(buf.String(), "loud") {
		t.Fatalf("expected global debug output, got %q", buf.String())
	}
}

func TestSetOutputUpdatesExistingLoggers(t *testing.T) {
	l := ForService("redirect")
	first := &bytes.Buffer{}
	SetOutput(first)
	l.Warnf("one")

	second := &bytes.Buffer{}
	SetOutput(second)
	l.Errorf("two")

	if !strings.Contains(first.String(), "WARN [redirect] one") {
		t.Fatalf("first buffer: %q", first.String())
	}
	if strings.Contains(first.String(), "two") || !strings.Contains(second.String(), "ERROR [redirect] two") {
		t.Fatalf("output not redirected: first=%q second=%q", first.String(), second.String())
	}
}
