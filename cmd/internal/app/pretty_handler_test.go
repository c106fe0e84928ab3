package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
	if got := stripANSI("no escapes"); got != "no escapes" {
		t.Fatalf("stripANSI(plain)=%q", got)
	}
}

func TestPrettyHandler_RelayAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, true))

	log.Info("relay.file",
		"session_id", "01J0000000000000000000000",
		"type", "FILE",
		"sender", "alice",
		"body", "hello world",
		"bytes", 1024,
	)

	colored := buf.String()
	if !strings.Contains(colored, ansiMagenta+"FILE"+ansiReset) {
		t.Fatalf("FILE type not colorized: %q", colored)
	}

	plain := stripANSI(colored)
	for _, want := range []string{
		"lvl=[INFO]",
		"msg=relay.file",
		"sid=01J0000000000000000000000",
		"type=FILE",
		"sender=alice",
		`body="hello world"`,
		"bytes=1024",
	} {
		if !strings.Contains(plain, want) {
			t.Fatalf("pretty output missing %q: %q", want, plain)
		}
	}
}

func TestPrettyHandler_NoColorAndGroups(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false)).WithGroup("relay").With("transport", "tcp")

	log.Debug("hidden")
	log.Warn("peer.drop", "status", 500)

	out := buf.String()
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("color disabled but escapes present: %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record emitted at default info level: %q", out)
	}
	for _, want := range []string{"lvl=[WARN]", "relay.transport=tcp", "relay.status=500"} {
		if !strings.Contains(out, want) {
			t.Fatalf("pretty output missing %q: %q", want, out)
		}
	}
}

func TestColorizeHelpers(t *testing.T) {
	t.Parallel()

	if got := colorizeStatusCode(503, true); got != ansiRed+"503"+ansiReset {
		t.Fatalf("colorizeStatusCode(503)=%q", got)
	}
	if got := colorizeDurationMS(5, false); got != "5ms" {
		t.Fatalf("colorizeDurationMS(5)=%q", got)
	}
	if got := colorizeHeaderType("EXIT", true); got != ansiDim+"EXIT"+ansiReset {
		t.Fatalf("colorizeHeaderType(EXIT)=%q", got)
	}
	if n, ok := valueToInt64(slog.StringValue(" 42 ")); !ok || n != 42 {
		t.Fatalf("valueToInt64(\" 42 \")=%d,%v", n, ok)
	}
	if _, ok := valueToInt64(slog.BoolValue(true)); ok {
		t.Fatalf("valueToInt64(bool) ok=true")
	}
}
