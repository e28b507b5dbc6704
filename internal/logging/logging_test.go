package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestTextHandlerFormatsRecord(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := New(FormatText, &buf, slog.LevelDebug).
		With("component", "build").
		WithGroup("docker")

	logger.Debug("container exited", "status", 101, "reason", "could not compile", "took", 1500*time.Millisecond, "error", errors.New("boom"))

	line := buf.String()
	if !strings.HasPrefix(line, "DEBUG ") {
		t.Fatalf("line %q does not start with level", line)
	}
	for _, want := range []string{
		"| container exited",
		" component=build",
		" docker.status=101",
		` docker.reason="could not compile"`,
		" docker.took=1.5s",
		" docker.error=boom",
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q is missing %q", line, want)
		}
	}
	if !strings.HasSuffix(line, "\n") || strings.Count(line, "\n") != 1 {
		t.Fatalf("expected exactly one line, got %q", line)
	}
}

func TestTextHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger := New(FormatText, &buf, level)

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %q", buf.String())
	}
	level.Set(slog.LevelInfo)
	logger.Info("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("record missing after lowering level: %q", buf.String())
	}
}

func TestJSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	New(FormatJSON, &buf, nil).Info("hello", "program_id", "abc")
	if !strings.Contains(buf.String(), `"program_id":"abc"`) {
		t.Fatalf("unexpected json output %q", buf.String())
	}
}

func TestParseFormatAndLevel(t *testing.T) {
	t.Parallel()

	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Fatalf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if f, err := ParseFormat("JSON"); err != nil || f != FormatJSON {
		t.Fatalf("ParseFormat(JSON) = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if l, err := ParseLevel("debug"); err != nil || l != slog.LevelDebug {
		t.Fatalf("ParseLevel(debug) = %v, %v", l, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
