package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/agrotech-web/internal/xerrors"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) *slogLogger {
	t.Helper()
	opts.Writer = buf
	l, err := newSlog(opts)
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	return l.(*slogLogger)
}

// lastRecord parses the last JSON log line written to buf
func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var m map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &m); err != nil {
		t.Fatalf("parse JSON log line: %v\nraw: %s", err, buf.String())
	}
	return m
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"  warn ", slog.LevelWarn},
		{"Error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNew_NilOptions(t *testing.T) {
	l, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if l == nil {
		t.Fatal("New returned nil logger")
	}
}

func TestSlogLogger_BaseAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "agrotech-web", Version: "1.2.3", Commit: "abc123", JsonFormat: true})

	l.Info(context.Background(), "hello")

	m := lastRecord(t, &buf)
	if m["app"] != "agrotech-web" {
		t.Errorf("app = %v", m["app"])
	}
	if m["version"] != "1.2.3" {
		t.Errorf("version = %v", m["version"])
	}
	if m["commit"] != "abc123" {
		t.Errorf("commit = %v", m["commit"])
	}
}

func TestSlogLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, Level: slog.LevelWarn})

	l.Debug(context.Background(), "debug")
	l.Info(context.Background(), "info")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below warn, got %q", buf.String())
	}

	l.Warn(context.Background(), "warn")
	if m := lastRecord(t, &buf); m["msg"] != "warn" {
		t.Fatalf("msg = %v, want warn", m["msg"])
	}
}

func TestSlogLogger_With_CopyOnWrite(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true})

	child := base.With("policy", "auth")
	_ = base.With("policy", "strict")

	child.Info(context.Background(), "child")
	if m := lastRecord(t, &buf); m["policy"] != "auth" {
		t.Fatalf("policy = %v, want auth", m["policy"])
	}

	base.Info(context.Background(), "base")
	if m := lastRecord(t, &buf); m["policy"] != nil {
		t.Fatalf("base logger picked up child attrs: %v", m["policy"])
	}
}

func TestSlogLogger_With_IgnoresNonStringKeys(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true})

	l.With(42, "x", "ok", "yes", "dangling").Info(context.Background(), "msg")

	m := lastRecord(t, &buf)
	if m["ok"] != "yes" {
		t.Fatalf("ok = %v, want yes", m["ok"])
	}
	if _, found := m["dangling"]; found {
		t.Fatal("dangling key without value should be dropped")
	}
}

func TestSlogLogger_Error_Enrichment(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, IncludeErrorLinks: true})

	root := errors.New("connection refused")
	err := fmt.Errorf("redis admit: %w", root)
	l.Error(context.Background(), err, "store failure", "policy", "general")

	m := lastRecord(t, &buf)
	if m["err"] == nil {
		t.Fatal("err field missing")
	}
	if m["cause_type"] != "*errors.errorString" {
		t.Errorf("cause_type = %v", m["cause_type"])
	}
	chain, ok := m["error_chain"].([]any)
	if !ok || len(chain) != 2 {
		t.Fatalf("error_chain = %v, want 2 entries", m["error_chain"])
	}
	if _, ok := m["error_links"]; !ok {
		t.Error("error_links missing with IncludeErrorLinks")
	}
	if m["policy"] != "general" {
		t.Errorf("policy = %v", m["policy"])
	}
	if s, _ := m["stack"].(string); s == "" {
		t.Error("stack should be attached at error level")
	}
}

func TestSlogLogger_Error_NilError(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true})

	l.Error(context.Background(), nil, "no error value")

	m := lastRecord(t, &buf)
	if _, found := m["err"]; found {
		t.Fatal("err field should be absent for nil error")
	}
}

func TestOtelHandler_AddsTraceFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true})

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced")

	m := lastRecord(t, &buf)
	if m["trace_id"] != "0102030405060708090a0b0c0d0e0f10" {
		t.Fatalf("trace_id = %v", m["trace_id"])
	}
	if m["span_id"] != "0102030405060708" {
		t.Fatalf("span_id = %v", m["span_id"])
	}
}

func TestErrorChain_JoinedErrors(t *testing.T) {
	err := errors.Join(errors.New("bad port"), errors.New("bad level"))
	chain := errorChain(err)
	if len(chain) != 3 {
		t.Fatalf("chain = %v, want joined message plus 2 parts", chain)
	}
}

func TestChainLinks_RespectsMax(t *testing.T) {
	err := fmt.Errorf("a: %w", fmt.Errorf("b: %w", fmt.Errorf("c: %w", errors.New("d"))))
	links := chainLinks(err, 2)
	if len(links) > 2 {
		t.Fatalf("got %d links, want at most 2", len(links))
	}
}

func TestIsLogFrame(t *testing.T) {
	tests := map[string]bool{
		"runtime.goexit":         true,
		"log/slog.(*Logger).log": true,
		"github.com/keithlinneman/agrotech-web/internal/log.(*slogLogger).Info":     true,
		"github.com/keithlinneman/agrotech-web/internal/ratelimit.(*Limiter).Admit": false,
	}
	for fn, want := range tests {
		if got := isLogFrame(fn); got != want {
			t.Errorf("isLogFrame(%q) = %v, want %v", fn, got, want)
		}
	}
}

func TestSlogLogger_Error_XerrorsLinks(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "test", JsonFormat: true, IncludeErrorLinks: true})

	err := xerrors.Wrap(xerrors.New("script returned nil"), "redis admit")
	l.Error(context.Background(), err, "store failure")

	m := lastRecord(t, &buf)
	if m["error_type"] != "*errors.errorString" {
		t.Errorf("error_type = %v, xerrors wrappers should be skipped", m["error_type"])
	}
	if s, _ := m["stack"].(string); s == "" {
		t.Error("stack missing")
	}

	// wrap site and stacked root, the bare errorString has no position
	links, _ := m["error_links"].([]any)
	if len(links) != 2 {
		t.Fatalf("error_links = %v, want 2 entries", m["error_links"])
	}
	first := links[0].(map[string]any)
	if fn, _ := first["func"].(string); !strings.HasSuffix(fn, ".TestSlogLogger_Error_XerrorsLinks") {
		t.Errorf("wrap link func = %q", fn)
	}
	if first["msg"] != "redis admit: script returned nil" {
		t.Errorf("wrap link msg = %v", first["msg"])
	}
}
