package synth

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// MockEngine is a deterministic synthesizer for tests and local development.
// It produces silence sized by an estimated speaking duration.
type MockEngine struct {
	sampleRate int
	channels   int

	mu           sync.Mutex
	delay        time.Duration
	failuresLeft int
	failure      error

	calls atomic.Int32
}

func NewMockEngine(sampleRate, channels int) *MockEngine {
	return &MockEngine{
		sampleRate: sampleRate,
		channels:   channels,
		delay:      10 * time.Millisecond,
	}
}

func (m *MockEngine) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	m.calls.Add(1)

	m.mu.Lock()
	delay := m.delay
	var injected error
	if m.failuresLeft > 0 {
		m.failuresLeft--
		injected = m.failure
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(delay):
	}
	if injected != nil {
		return nil, injected
	}

	samples := int(m.estimateDuration(req.Text).Seconds() * float64(m.sampleRate))
	if samples < m.sampleRate/10 {
		samples = m.sampleRate / 10
	}
	return encodePCM(make([]int, samples*m.channels), m.sampleRate, m.channels)
}

func (m *MockEngine) Voices() []Voice {
	return []Voice{
		{ID: "en-US", Name: "Mock English (US)", Language: "en-US", Gender: "neutral"},
		{ID: "en-GB", Name: "Mock English (GB)", Language: "en-GB", Gender: "female"},
		{ID: "zh-CN", Name: "Mock Chinese (Mandarin)", Language: "zh-CN", Gender: "female"},
	}
}

func (m *MockEngine) Close() error { return nil }

// Test controls.

// SetDelay sets the simulated synthesis time per call.
func (m *MockEngine) SetDelay(d time.Duration) {
	m.mu.Lock()
	m.delay = d
	m.mu.Unlock()
}

// FailNext makes the next n calls return err.
func (m *MockEngine) FailNext(n int, err error) {
	m.mu.Lock()
	m.failuresLeft = n
	m.failure = err
	m.mu.Unlock()
}

// Calls reports how many synthesis calls the engine has received.
func (m *MockEngine) Calls() int { return int(m.calls.Load()) }

func (m *MockEngine) estimateDuration(text string) time.Duration {
	// Roughly 150 words per minute at 5 chars per word.
	words := len(text) / 5
	if words < 1 {
		words = 1
	}
	return time.Duration(float64(words) * 60.0 / 150.0 * float64(time.Second))
}

// encodePCM writes 16-bit PCM samples into a WAV payload. The wav encoder
// needs a seekable writer, so it goes through a temp file like the native
// backends do.
func encodePCM(samples []int, sampleRate, channels int) ([]byte, error) {
	file, err := os.CreateTemp("", "ttsd_mock_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return os.ReadFile(file.Name())
}
