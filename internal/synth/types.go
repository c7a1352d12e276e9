package synth

import (
	"context"
	"time"
)

// Request carries normalized parameters for one synthesis call.
type Request struct {
	Text   string
	Voice  string
	Rate   int
	Volume float64
	Pitch  float64
	Format string
}

// Audio is the finished product of one synthesis call.
type Audio struct {
	Data       []byte
	Format     string
	SampleRate int
	Channels   int
	Duration   time.Duration
}

// Voice describes one voice the engine can speak with.
type Voice struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language,omitempty"`
	Gender   string `json:"gender,omitempty"`
}

// Engine is the binding to a native synthesizer. Implementations are not
// safe for concurrent use; the Adapter's single caller serializes access.
type Engine interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
	Voices() []Voice
	Close() error
}
