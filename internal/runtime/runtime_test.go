package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alongcar/tts-service/internal/config"
	"github.com/alongcar/tts-service/internal/journal"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for name, want := range cases {
		if got := LogLevel(name); got != want {
			t.Fatalf("LogLevel(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateStarting: "starting",
		StateReady:    "ready",
		StateDraining: "draining",
		StateStopped:  "stopped",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestReadyEndpointTracksStateAndDegradation(t *testing.T) {
	r := New(config.Default(), testLogger(), "test")

	check := func(wantCode int) {
		t.Helper()
		rec := httptest.NewRecorder()
		r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != wantCode {
			t.Fatalf("readyz returned %d, want %d (state=%v degraded=%v)",
				rec.Code, wantCode, r.State(), r.degraded.Load())
		}
	}

	check(http.StatusServiceUnavailable)
	r.state.Store(int32(StateReady))
	check(http.StatusOK)
	r.degraded.Store(true)
	check(http.StatusServiceUnavailable)
	r.degraded.Store(false)
	r.state.Store(int32(StateDraining))
	check(http.StatusServiceUnavailable)
}

func TestJobsEndpointEmptyInEphemeralMode(t *testing.T) {
	r := New(config.Default(), testLogger(), "test")
	store, err := journal.Open(context.Background(), config.JournalConfig{RetentionMode: "ephemeral"}, testLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rec := httptest.NewRecorder()
	r.handleJobs(store)(rec, httptest.NewRequest(http.MethodGet, "/jobs?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("jobs endpoint returned %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("expected an empty list, got %q", got)
	}
}

func TestLifecycleStartsAndDrains(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Bind = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	cfg.Journal.RetentionMode = "ephemeral"
	cfg.Shutdown.DrainGraceMS = 1000

	r := New(cfg, testLogger(), "test")
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan error, 1)
	go func() { result <- r.Start(ctx) }()

	deadline := time.Now().Add(10 * time.Second)
	for r.State() != StateReady {
		if time.Now().After(deadline) {
			t.Fatal("runtime never became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
	if got := r.State(); got != StateStopped {
		t.Fatalf("expected stopped, got %v", got)
	}
}
