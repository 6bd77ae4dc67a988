// Package diag implements the structured diagnostics logger (spec §4.14):
// per-route daily ndjson trace/chat files plus an OTel span per dispatch
// attempt, following the teacher's tracing.Collector call pattern
// (internal/agent/loop.go) but backed by the real OpenTelemetry SDK.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/openclaw/qq-gateway/internal/routestore"
)

// Source is the closed set of event origins (spec §4.14).
type Source string

const (
	SourceChat       Source = "chat"
	SourceAutomation Source = "automation"
	SourceInbound    Source = "inbound"
)

// Event is one structured trace line (spec §4.14).
type Event struct {
	Event             string `json:"event"`
	Route             string `json:"route"`
	MsgID             string `json:"msg_id,omitempty"`
	DispatchID        string `json:"dispatch_id,omitempty"`
	AttemptID         string `json:"attempt_id,omitempty"`
	Source            Source `json:"source,omitempty"`
	ResolveStage      string `json:"resolve_stage,omitempty"`
	ResolveAction     string `json:"resolve_action,omitempty"`
	ResolveResult     string `json:"resolve_result,omitempty"`
	MaterializeError  string `json:"materialize_error_code,omitempty"`
	DropReason        string `json:"drop_reason,omitempty"`
	RetryCount        int    `json:"retry_count,omitempty"`
	HTTPStatus        int    `json:"http_status,omitempty"`
	DurationMs        int64  `json:"duration_ms,omitempty"`
	Error             string `json:"error,omitempty"`
	Timestamp         string `json:"ts"`
}

// ChatLine is one chat ndjson line: normalized direction with a content summary.
type ChatLine struct {
	Direction string `json:"direction"` // "in" | "out"
	Route     string `json:"route"`
	Summary   string `json:"summary"`
	Timestamp string `json:"ts"`
}

var (
	hostMarker = regexp.MustCompile(`host\.docker\.internal`)
	ipv4       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// Redact strips internal host markers from outbound text (spec §4.10/§4.14).
func Redact(text string) string {
	text = hostMarker.ReplaceAllString(text, "[host]")
	text = ipv4.ReplaceAllStringFunc(text, func(m string) string {
		if ip := net.ParseIP(m); ip != nil && ip.IsLoopback() {
			return "[loopback]"
		}
		return "[ip]"
	})
	return text
}

// Logger appends structured events to per-route daily ndjson files and
// opens OTel spans for callers through StartSpan; Trace and Chat write
// ndjson lines only and emit no span.
type Logger struct {
	store    *routestore.Store
	tracer   trace.Tracer
	shutdown func(context.Context) error

	mu    sync.Mutex
	files map[string]*os.File // "<dir>/<kind>-<date>" -> open handle
}

// New builds a Logger backed by store and an OTel stdouttrace exporter —
// the teacher's go.mod carries the full otlp exporter family for a
// collector this repo's scope doesn't include; stdouttrace keeps spans
// local, matching the ndjson files' own locality.
func New(store *routestore.Store, serviceName string) (*Logger, error) {
	exp, err := stdouttrace.New(stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("diag: new exporter: %w", err)
	}
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("diag: new resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Logger{
		store:    store,
		tracer:   tp.Tracer("qq-gateway/dispatch"),
		shutdown: tp.Shutdown,
		files:    make(map[string]*os.File),
	}, nil
}

// Close flushes the OTel pipeline and closes open log files.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	for _, f := range l.files {
		f.Close()
	}
	l.mu.Unlock()
	if l.shutdown != nil {
		return l.shutdown(ctx)
	}
	return nil
}

// StartSpan opens an OTel span for a traced operation; callers defer span.End().
func (l *Logger) StartSpan(ctx context.Context, name string, route, dispatchID string) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("route", route),
		attribute.String("dispatch_id", dispatchID),
	))
}

func (l *Logger) openAppend(path string) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[path]; ok {
		return f, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[path] = f
	return f, nil
}

func appendLine(f *os.File, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = f.Write(data)
	return err
}

// Trace appends one structured trace event to
// logs/trace-YYYY-MM-DD.ndjson for ev.Route.
func (l *Logger) Trace(ev Event) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	day := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(l.store.LogsDir(ev.Route), fmt.Sprintf("trace-%s.ndjson", day))
	f, err := l.openAppend(path)
	if err != nil {
		slog.Warn("diag: open trace log failed", "route", ev.Route, "error", err)
		return
	}
	if err := appendLine(f, ev); err != nil {
		slog.Warn("diag: write trace log failed", "route", ev.Route, "error", err)
	}
}

// Chat appends a redacted chat line to logs/chat-YYYY-MM-DD.ndjson.
func (l *Logger) Chat(route, direction, summary string) {
	if direction == "out" {
		summary = Redact(summary)
	}
	day := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(l.store.LogsDir(route), fmt.Sprintf("chat-%s.ndjson", day))
	f, err := l.openAppend(path)
	if err != nil {
		slog.Warn("diag: open chat log failed", "route", route, "error", err)
		return
	}
	line := ChatLine{Direction: direction, Route: route, Summary: summary, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
	if err := appendLine(f, line); err != nil {
		slog.Warn("diag: write chat log failed", "route", route, "error", err)
	}
}
