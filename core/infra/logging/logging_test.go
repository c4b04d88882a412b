package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func captureLog(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	origOut := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOut)
		log.SetFlags(origFlags)
	})
	fn()
	return strings.TrimSpace(buf.String())
}

func TestInfoFormatsComponentAndFields(t *testing.T) {
	got := captureLog(t, func() {
		Info("worker", "job started", "job_id", "j1")
	})
	if !strings.Contains(got, "[WORKER] job started") || !strings.Contains(got, "job_id=j1") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestErrorPrefixesLevel(t *testing.T) {
	got := captureLog(t, func() {
		Error("proxy", "backend unreachable", "code", 502)
	})
	if !strings.Contains(got, "[PROXY] ERROR backend unreachable") || !strings.Contains(got, "code=502") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestWarnPrefixesLevel(t *testing.T) {
	got := captureLog(t, func() {
		Warn("watchdog", "stale heartbeat", "job_id", "j2")
	})
	if !strings.Contains(got, "[WATCHDOG] WARN stale heartbeat") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestFormatFieldsOddCount(t *testing.T) {
	out := formatFields("a", 1, "b")
	if !strings.Contains(out, "a=1") || !strings.Contains(out, "b=(missing)") {
		t.Fatalf("unexpected fields: %s", out)
	}
	if out := formatFields(); out != "" {
		t.Fatalf("expected empty output, got %q", out)
	}
}
