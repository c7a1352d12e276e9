package synth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alongcar/tts-service/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSynthConfig() config.SynthConfig {
	cfg := config.Default().Synth
	cfg.SynthTimeoutMS = 2000
	return cfg
}

func newTestAdapter(t *testing.T, cfg config.SynthConfig) (*Adapter, *MockEngine) {
	t.Helper()
	mock := NewMockEngine(cfg.SampleRate, cfg.Channels)
	mock.SetDelay(time.Millisecond)
	adapter, err := NewAdapter(cfg, func() (Engine, error) { return mock, nil }, testLogger())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return adapter, mock
}

func TestNormalizeRejectsEmptyText(t *testing.T) {
	adapter, _ := newTestAdapter(t, testSynthConfig())
	for _, text := range []string{"", "   ", "\n\t"} {
		if _, err := adapter.Normalize(Request{Text: text}); !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("text %q: expected ErrInvalidParameter, got %v", text, err)
		}
	}
}

func TestNormalizeRejectsOverlongText(t *testing.T) {
	cfg := testSynthConfig()
	cfg.MaxTextChars = 5
	adapter, _ := newTestAdapter(t, cfg)
	if _, err := adapter.Normalize(Request{Text: "hello world"}); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	if _, err := adapter.Normalize(Request{Text: "hello"}); err != nil {
		t.Fatalf("text at the limit should pass, got %v", err)
	}
}

func TestNormalizeResolvesVoices(t *testing.T) {
	adapter, _ := newTestAdapter(t, testSynthConfig())

	req, err := adapter.Normalize(Request{Text: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Voice != "en-US" {
		t.Fatalf("expected default voice en-US, got %q", req.Voice)
	}

	// Voices resolve by ID or name, case-insensitively.
	if _, err := adapter.Normalize(Request{Text: "hi", Voice: "EN-GB"}); err != nil {
		t.Fatalf("voice by id: %v", err)
	}
	if _, err := adapter.Normalize(Request{Text: "hi", Voice: "Mock Chinese (Mandarin)"}); err != nil {
		t.Fatalf("voice by name: %v", err)
	}
	if _, err := adapter.Normalize(Request{Text: "hi", Voice: "xx-XX"}); !errors.Is(err, ErrUnsupportedVoice) {
		t.Fatalf("expected ErrUnsupportedVoice, got %v", err)
	}
}

func TestNormalizeAppliesDefaults(t *testing.T) {
	cfg := testSynthConfig()
	adapter, _ := newTestAdapter(t, cfg)
	req, err := adapter.Normalize(Request{Text: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Rate != cfg.Rate || req.Volume != cfg.Volume || req.Pitch != cfg.Pitch {
		t.Fatalf("expected config defaults, got rate=%d volume=%g pitch=%g", req.Rate, req.Volume, req.Pitch)
	}
	if req.Format != "wav" {
		t.Fatalf("expected wav format default, got %q", req.Format)
	}
}

func TestNormalizeClampsOutOfRangeParameters(t *testing.T) {
	cfg := testSynthConfig()
	adapter, _ := newTestAdapter(t, cfg)
	req, err := adapter.Normalize(Request{Text: "hi", Rate: 9000, Volume: 1.5, Pitch: 0.1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Rate != cfg.MaxRate {
		t.Fatalf("expected rate clamped to %d, got %d", cfg.MaxRate, req.Rate)
	}
	if req.Volume != 1.0 {
		t.Fatalf("expected volume clamped to 1.0, got %g", req.Volume)
	}
	if req.Pitch != 0.5 {
		t.Fatalf("expected pitch clamped to 0.5, got %g", req.Pitch)
	}
}

func TestNormalizeRejectPolicy(t *testing.T) {
	cfg := testSynthConfig()
	cfg.ParamPolicy = "reject"
	adapter, _ := newTestAdapter(t, cfg)
	if _, err := adapter.Normalize(Request{Text: "hi", Rate: 9000}); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
	if _, err := adapter.Normalize(Request{Text: "hi", Rate: 200}); err != nil {
		t.Fatalf("in-range rate should pass, got %v", err)
	}
}

func TestNormalizeRejectsUnknownFormat(t *testing.T) {
	adapter, _ := newTestAdapter(t, testSynthConfig())
	if _, err := adapter.Normalize(Request{Text: "hi", Format: "mp3"}); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("expected ErrInvalidParameter, got %v", err)
	}
}

func TestSynthesizeProducesAudio(t *testing.T) {
	cfg := testSynthConfig()
	adapter, _ := newTestAdapter(t, cfg)

	audio, err := adapter.Synthesize(context.Background(), Request{Text: "hello world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(audio.Data) == 0 {
		t.Fatal("expected non-empty audio payload")
	}
	if audio.Format != "wav" {
		t.Fatalf("expected wav format, got %q", audio.Format)
	}
	if audio.SampleRate != cfg.SampleRate {
		t.Fatalf("expected sample rate %d, got %d", cfg.SampleRate, audio.SampleRate)
	}
	if audio.Duration <= 0 {
		t.Fatalf("expected positive duration, got %v", audio.Duration)
	}
}

func TestSynthesizeRetriesAfterSingleFault(t *testing.T) {
	adapter, mock := newTestAdapter(t, testSynthConfig())
	mock.FailNext(1, errors.New("segfault in native layer"))

	audio, err := adapter.Synthesize(context.Background(), Request{Text: "hello"})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(audio.Data) == 0 {
		t.Fatal("expected audio from the retried call")
	}
	if got := mock.Calls(); got != 2 {
		t.Fatalf("expected exactly 2 engine calls, got %d", got)
	}
}

func TestSynthesizeEscalatesAfterRepeatedFault(t *testing.T) {
	adapter, mock := newTestAdapter(t, testSynthConfig())
	mock.FailNext(2, errors.New("engine wedged"))

	var escalated error
	adapter.OnFault(func(err error) { escalated = err })

	_, err := adapter.Synthesize(context.Background(), Request{Text: "hello"})
	if !errors.Is(err, ErrEngineFault) {
		t.Fatalf("expected ErrEngineFault, got %v", err)
	}
	if escalated == nil {
		t.Fatal("expected fault escalation to fire")
	}
	if got := mock.Calls(); got != 2 {
		t.Fatalf("expected exactly 2 engine calls, got %d", got)
	}

	// A subsequent request uses the reinitialized handle normally.
	if _, err := adapter.Synthesize(context.Background(), Request{Text: "hello again"}); err != nil {
		t.Fatalf("expected recovery on next request, got %v", err)
	}
}

func TestSynthesizeTimesOut(t *testing.T) {
	cfg := testSynthConfig()
	cfg.SynthTimeoutMS = 50
	adapter, mock := newTestAdapter(t, cfg)
	mock.SetDelay(time.Second)

	start := time.Now()
	_, err := adapter.Synthesize(context.Background(), Request{Text: "slow"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout took too long: %v", elapsed)
	}

	// The handle was reinitialized; fast calls work again.
	mock.SetDelay(time.Millisecond)
	if _, err := adapter.Synthesize(context.Background(), Request{Text: "fast"}); err != nil {
		t.Fatalf("expected success after timeout reinit, got %v", err)
	}
}

func TestSynthesizeHonorsCallerCancellation(t *testing.T) {
	adapter, mock := newTestAdapter(t, testSynthConfig())
	mock.SetDelay(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := adapter.Synthesize(ctx, Request{Text: "cancelled"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestVoicesSnapshotIsCopied(t *testing.T) {
	adapter, mock := newTestAdapter(t, testSynthConfig())
	voices := adapter.Voices()
	if len(voices) != len(mock.Voices()) {
		t.Fatalf("expected %d voices, got %d", len(mock.Voices()), len(voices))
	}
	voices[0].ID = "mutated"
	if adapter.Voices()[0].ID == "mutated" {
		t.Fatal("voice snapshot should not alias the adapter's copy")
	}
}
