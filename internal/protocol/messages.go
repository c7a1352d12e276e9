// Package protocol defines the JSON messages exchanged with clients over
// the WebSocket endpoint and the events mirrored onto the bus.
package protocol

import (
	"errors"
	"time"

	"github.com/alongcar/tts-service/internal/queue"
	"github.com/alongcar/tts-service/internal/synth"
)

// Client message types.
const (
	TypeSynthesize = "synthesize"
	TypeGetVoices  = "get_voices"
	TypePing       = "ping"
	TypeCancel     = "cancel"
)

// Server message types.
const (
	TypeWelcome           = "welcome"
	TypeVoiceInfo         = "voice_info"
	TypePong              = "pong"
	TypeSynthesisStart    = "synthesis_start"
	TypeAudioChunk        = "audio_chunk"
	TypeSynthesisComplete = "synthesis_complete"
	TypeError             = "error"
)

// Error codes carried in Error.Code.
const (
	CodeMalformed        = "malformed"
	CodeInvalidParameter = "invalid_parameter"
	CodeUnsupportedVoice = "unsupported_voice"
	CodeOverloaded       = "overloaded"
	CodeTimeout          = "timeout"
	CodeEngineFault      = "engine_fault"
	CodeCancelled        = "cancelled"
)

// ClientMessage is the envelope for everything a client sends. Numeric
// fields are pointers so absent values fall back to server defaults.
type ClientMessage struct {
	Type      string   `json:"type"`
	RequestID string   `json:"request_id,omitempty"`
	Text      string   `json:"text,omitempty"`
	Voice     string   `json:"voice,omitempty"`
	Rate      *int     `json:"rate,omitempty"`
	Pitch     *float64 `json:"pitch,omitempty"`
	Volume    *float64 `json:"volume,omitempty"`
	Format    string   `json:"format,omitempty"`
	Stream    *bool    `json:"stream,omitempty"`
}

// Welcome is sent once per connection.
type Welcome struct {
	Type             string        `json:"type"`
	ConnectionID     string        `json:"connection_id"`
	Service          string        `json:"service"`
	Version          string        `json:"version"`
	SupportedFormats []string      `json:"supported_formats"`
	DefaultVoice     string        `json:"default_voice"`
	Voices           []synth.Voice `json:"voices"`
	Timestamp        time.Time     `json:"timestamp"`
}

// VoiceInfo answers a get_voices request.
type VoiceInfo struct {
	Type         string        `json:"type"`
	RequestID    string        `json:"request_id"`
	DefaultVoice string        `json:"default_voice"`
	Voices       []synth.Voice `json:"voices"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Pong answers a ping.
type Pong struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// SynthesisStart announces that a request was accepted into the queue.
type SynthesisStart struct {
	Type       string    `json:"type"`
	RequestID  string    `json:"request_id"`
	TextLength int       `json:"text_length"`
	Timestamp  time.Time `json:"timestamp"`
}

// AudioChunk carries one base64 slice of the synthesized payload.
type AudioChunk struct {
	Type       string `json:"type"`
	RequestID  string `json:"request_id"`
	ChunkIndex int    `json:"chunk_index"`
	AudioData  string `json:"audio_data"`
	ChunkSize  int    `json:"chunk_size"`
	TotalSize  int    `json:"total_size"`
	IsFinal    bool   `json:"is_final"`
}

// SynthesisComplete closes a synthesis exchange. In buffered mode AudioData
// carries the whole payload and TotalChunks is zero.
type SynthesisComplete struct {
	Type        string    `json:"type"`
	RequestID   string    `json:"request_id"`
	TotalChunks int       `json:"total_chunks"`
	TotalSize   int       `json:"total_size"`
	Format      string    `json:"format"`
	DurationMS  int64     `json:"duration_ms"`
	AudioData   string    `json:"audio_data,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Error reports a terminal failure for a request.
type Error struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SubjectJobPrefix is the bus subject prefix for mirrored job events; the
// job's terminal status is appended (tts.job.completed, tts.job.failed,
// tts.job.cancelled).
const SubjectJobPrefix = "tts.job."

// CodeForError maps a terminal job error to its wire code. Every terminal
// state a client can see has a distinct, documented code.
func CodeForError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, synth.ErrInvalidParameter):
		return CodeInvalidParameter
	case errors.Is(err, synth.ErrUnsupportedVoice):
		return CodeUnsupportedVoice
	case errors.Is(err, queue.ErrOverloaded), errors.Is(err, queue.ErrDraining):
		return CodeOverloaded
	case errors.Is(err, synth.ErrTimeout), errors.Is(err, queue.ErrAbandoned):
		return CodeTimeout
	case errors.Is(err, queue.ErrCancelled):
		return CodeCancelled
	default:
		return CodeEngineFault
	}
}

// JobEvent mirrors one terminal job onto the bus.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	Voice      string    `json:"voice"`
	TextChars  int       `json:"text_chars"`
	AudioBytes int       `json:"audio_bytes"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
