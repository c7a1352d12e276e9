package synth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/alongcar/tts-service/internal/config"
	"github.com/go-audio/wav"
)

const (
	minVolume = 0.0
	maxVolume = 1.0
	minPitch  = 0.5
	maxPitch  = 2.0
)

// Adapter owns the single logical engine handle. It validates and
// normalizes requests, bounds each call with a timeout, and performs
// exactly one reinitialize-and-retry when the engine faults. It does no
// locking of its own: the queue's single worker is the only caller of
// Synthesize, which the in-flight counter makes checkable.
type Adapter struct {
	cfg     config.SynthConfig
	factory func() (Engine, error)
	engine  Engine
	log     *slog.Logger
	timeout time.Duration

	voicesMu sync.RWMutex
	voices   []Voice

	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	onFault atomic.Pointer[func(error)]
}

// NewEngine builds the configured engine backend.
func NewEngine(cfg config.SynthConfig) (Engine, error) {
	switch cfg.Mode {
	case "exec":
		return NewExecEngine(cfg)
	case "mock":
		return NewMockEngine(cfg.SampleRate, cfg.Channels), nil
	default:
		return nil, fmt.Errorf("unknown synth mode %q", cfg.Mode)
	}
}

// NewAdapter acquires the engine handle via factory. A factory failure here
// is fatal to startup; later failures go through the reinitialization path.
func NewAdapter(cfg config.SynthConfig, factory func() (Engine, error), log *slog.Logger) (*Adapter, error) {
	engine, err := factory()
	if err != nil {
		return nil, fmt.Errorf("acquire engine handle: %w", err)
	}
	a := &Adapter{
		cfg:     cfg,
		factory: factory,
		engine:  engine,
		log:     log.With(slog.String("component", "synth-adapter")),
		timeout: time.Duration(cfg.SynthTimeoutMS) * time.Millisecond,
		voices:  engine.Voices(),
	}
	return a, nil
}

// OnFault registers the escalation hook invoked when a fault survives the
// automatic retry.
func (a *Adapter) OnFault(fn func(error)) {
	a.onFault.Store(&fn)
}

// Voices returns the engine's voice inventory, snapshotted at acquisition
// and refreshed on reinitialization so concurrent readers never touch the
// engine itself.
func (a *Adapter) Voices() []Voice {
	a.voicesMu.RLock()
	defer a.voicesMu.RUnlock()
	return append([]Voice(nil), a.voices...)
}

// DefaultVoice reports the configured default voice identifier.
func (a *Adapter) DefaultVoice() string { return a.cfg.DefaultVoice }

// InFlight reports the number of synthesis calls currently executing.
func (a *Adapter) InFlight() int { return int(a.inFlight.Load()) }

// MaxInFlight reports the highest concurrency ever observed. The queue's
// single-worker contract keeps this at 1.
func (a *Adapter) MaxInFlight() int { return int(a.maxInFlight.Load()) }

func (a *Adapter) Close() error {
	return a.engine.Close()
}

// Synthesize runs one blocking synthesis call. Callers must serialize.
func (a *Adapter) Synthesize(ctx context.Context, req Request) (*Audio, error) {
	n := a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	for {
		m := a.maxInFlight.Load()
		if n <= m || a.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	req, err := a.Normalize(req)
	if err != nil {
		return nil, err
	}
	return a.invoke(ctx, req)
}

// Normalize applies defaults, trims and bounds the text, resolves the
// voice, and applies the configured numeric parameter policy. The queue is
// never given a request that fails here.
func (a *Adapter) Normalize(req Request) (Request, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return req, fmt.Errorf("%w: text must not be empty", ErrInvalidParameter)
	}
	if n := utf8.RuneCountInString(req.Text); n > a.cfg.MaxTextChars {
		return req, fmt.Errorf("%w: text length %d exceeds limit %d", ErrInvalidParameter, n, a.cfg.MaxTextChars)
	}

	if req.Voice == "" {
		req.Voice = a.cfg.DefaultVoice
	}
	if !a.voiceSupported(req.Voice) {
		return req, fmt.Errorf("%w: %q", ErrUnsupportedVoice, req.Voice)
	}

	if req.Format == "" {
		req.Format = "wav"
	}
	if req.Format != "wav" {
		return req, fmt.Errorf("%w: unsupported format %q", ErrInvalidParameter, req.Format)
	}

	if req.Rate == 0 {
		req.Rate = a.cfg.Rate
	}
	if req.Volume == 0 {
		req.Volume = a.cfg.Volume
	}
	if req.Pitch == 0 {
		req.Pitch = a.cfg.Pitch
	}

	reject := a.cfg.ParamPolicy == "reject"
	var err error
	if req.Rate, err = clampInt(req.Rate, a.cfg.MinRate, a.cfg.MaxRate, "rate", reject); err != nil {
		return req, err
	}
	if req.Volume, err = clampFloat(req.Volume, minVolume, maxVolume, "volume", reject); err != nil {
		return req, err
	}
	if req.Pitch, err = clampFloat(req.Pitch, minPitch, maxPitch, "pitch", reject); err != nil {
		return req, err
	}
	return req, nil
}

func (a *Adapter) voiceSupported(id string) bool {
	a.voicesMu.RLock()
	defer a.voicesMu.RUnlock()
	if len(a.voices) == 0 {
		return true
	}
	for _, v := range a.voices {
		if strings.EqualFold(v.ID, id) || strings.EqualFold(v.Name, id) {
			return true
		}
	}
	return false
}

func (a *Adapter) invoke(ctx context.Context, req Request) (*Audio, error) {
	audio, err := a.call(ctx, req)
	if err == nil {
		return audio, nil
	}
	if errors.Is(err, ErrTimeout) {
		// The in-flight call was abandoned; engine state is unknown.
		a.log.Warn("synthesis timed out, reinitializing engine",
			slog.Duration("timeout", a.timeout))
		if rerr := a.reinit(); rerr != nil {
			a.escalate(rerr)
		}
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	a.log.Warn("engine fault, attempting reinitialization", slog.String("error", err.Error()))
	if rerr := a.reinit(); rerr != nil {
		a.escalate(rerr)
		return nil, fmt.Errorf("%w: reinitialization failed: %v", ErrEngineFault, rerr)
	}

	audio, err = a.call(ctx, req)
	if err == nil {
		return audio, nil
	}
	if errors.Is(err, ErrTimeout) {
		if rerr := a.reinit(); rerr != nil {
			a.escalate(rerr)
		}
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	a.escalate(err)
	return nil, fmt.Errorf("%w: %v", ErrEngineFault, err)
}

func (a *Adapter) call(ctx context.Context, req Request) (*Audio, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type outcome struct {
		audio *Audio
		err   error
	}
	done := make(chan outcome, 1)
	engine := a.engine
	go func() {
		data, err := engine.Synthesize(callCtx, req)
		if err != nil {
			done <- outcome{nil, err}
			return
		}
		audio, err := decodeWAV(data)
		done <- outcome{audio, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, res.err
		}
		return res.audio, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}
}

func (a *Adapter) reinit() error {
	if err := a.engine.Close(); err != nil {
		a.log.Warn("closing faulted engine", slog.String("error", err.Error()))
	}
	engine, err := a.factory()
	if err != nil {
		return fmt.Errorf("reinitialize engine: %w", err)
	}
	a.engine = engine
	a.voicesMu.Lock()
	a.voices = engine.Voices()
	a.voicesMu.Unlock()
	a.log.Info("engine reinitialized")
	return nil
}

func (a *Adapter) escalate(err error) {
	if fn := a.onFault.Load(); fn != nil {
		(*fn)(err)
	}
}

func clampInt(v, lo, hi int, name string, reject bool) (int, error) {
	if v >= lo && v <= hi {
		return v, nil
	}
	if reject {
		return v, fmt.Errorf("%w: %s %d outside [%d, %d]", ErrInvalidParameter, name, v, lo, hi)
	}
	if v < lo {
		return lo, nil
	}
	return hi, nil
}

func clampFloat(v, lo, hi float64, name string, reject bool) (float64, error) {
	if v >= lo && v <= hi {
		return v, nil
	}
	if reject {
		return v, fmt.Errorf("%w: %s %g outside [%g, %g]", ErrInvalidParameter, name, v, lo, hi)
	}
	if v < lo {
		return lo, nil
	}
	return hi, nil
}

func decodeWAV(data []byte) (*Audio, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("engine produced an invalid wav payload")
	}
	duration, err := dec.Duration()
	if err != nil {
		duration = 0
	}
	return &Audio{
		Data:       data,
		Format:     "wav",
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
		Duration:   duration,
	}, nil
}
