package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pterm/pterm"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	writer, level := pterm.DefaultLogger.Writer, pterm.DefaultLogger.Level
	pterm.DefaultLogger.Writer = &buf
	pterm.DisableStyling()
	t.Cleanup(func() {
		pterm.DefaultLogger.Writer = writer
		pterm.DefaultLogger.Level = level
		pterm.EnableStyling()
	})
	return &buf
}

func TestScopeTagsComponent(t *testing.T) {
	buf := captureLog(t)
	pterm.DefaultLogger.Level = pterm.LogLevelInfo

	Scope("lobby").Info("joined %s", "a1")
	out := buf.String()
	if !strings.Contains(out, "joined a1") || !strings.Contains(out, "lobby") {
		t.Fatalf("log line = %q", out)
	}
}

func TestScopeDebugNeedsEnableDebug(t *testing.T) {
	buf := captureLog(t)
	pterm.DefaultLogger.Level = pterm.LogLevelInfo

	log := Scope("call")
	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line printed at info level: %q", buf.String())
	}

	EnableDebug()
	log.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("debug line missing after EnableDebug: %q", buf.String())
	}
}
