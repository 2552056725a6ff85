package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestUplinkHandler_Handle(t *testing.T) {
	ts := time.Date(2025, 3, 10, 9, 15, 30, 0, time.UTC)

	tests := []struct {
		name    string
		opID    string
		level   slog.Level
		message string
		attrs   []slog.Attr
		want    string
	}{
		{
			name:    "basic info message",
			opID:    "20250310T091530Z-sync",
			level:   slog.LevelInfo,
			message: "file uploaded",
			want:    "2025-03-10T09:15:30Z\tINFO\t20250310T091530Z-sync\tfile uploaded\n",
		},
		{
			name:    "debug level",
			opID:    "op-scan",
			level:   slog.LevelDebug,
			message: "probing connectivity",
			want:    "2025-03-10T09:15:30Z\tDEBUG\top-scan\tprobing connectivity\n",
		},
		{
			name:    "with record attrs",
			opID:    "op-sync",
			level:   slog.LevelInfo,
			message: "chunk sent",
			attrs:   []slog.Attr{slog.String("path", "/share/report.pdf"), slog.Int("index", 3)},
			want:    "2025-03-10T09:15:30Z\tINFO\top-sync\tchunk sent\tpath=/share/report.pdf\tindex=3\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := &uplinkHandler{w: &buf, opID: tt.opID}

			r := slog.NewRecord(ts, tt.level, tt.message, 0)
			for _, a := range tt.attrs {
				r.AddAttrs(a)
			}

			if err := h.Handle(context.Background(), r); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Handle() output =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestUplinkHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := &uplinkHandler{w: &buf, opID: "op-1"}

	h2 := h.WithAttrs([]slog.Attr{slog.String("component", "orchestrator")}).(*uplinkHandler)

	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := slog.NewRecord(ts, slog.LevelInfo, "upload", 0)
	r.AddAttrs(slog.String("sha256", "abc"))

	if err := h2.Handle(context.Background(), r); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	got := buf.String()
	if !strings.Contains(got, "component=orchestrator") {
		t.Errorf("expected pre-set attr component=orchestrator, got: %q", got)
	}
	if !strings.Contains(got, "sha256=abc") {
		t.Errorf("expected record attr sha256=abc, got: %q", got)
	}
}

func TestUplinkHandler_WithAttrs_doesNotMutateOriginal(t *testing.T) {
	var buf bytes.Buffer
	h := &uplinkHandler{w: &buf, opID: "op-1", attrs: []slog.Attr{slog.String("a", "1")}}

	h2 := h.WithAttrs([]slog.Attr{slog.String("b", "2")}).(*uplinkHandler)

	if len(h.attrs) != 1 {
		t.Errorf("original handler attrs modified: got %d, want 1", len(h.attrs))
	}
	if len(h2.attrs) != 2 {
		t.Errorf("new handler attrs: got %d, want 2", len(h2.attrs))
	}
}

func TestUplinkHandler_Enabled(t *testing.T) {
	h := &uplinkHandler{}
	for _, level := range []slog.Level{slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		if !h.Enabled(context.Background(), level) {
			t.Errorf("Enabled(%v) = false, want true", level)
		}
	}
}

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()

	logger, f, err := newLogger(dir, "test-op")
	if err != nil {
		t.Fatalf("newLogger() error = %v", err)
	}
	defer f.Close()

	if logger == nil {
		t.Fatal("newLogger() returned nil logger")
	}
	if f == nil {
		t.Fatal("newLogger() returned nil file")
	}
}
