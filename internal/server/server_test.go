package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alongcar/tts-service/internal/config"
	"github.com/alongcar/tts-service/internal/protocol"
	"github.com/alongcar/tts-service/internal/queue"
	"github.com/alongcar/tts-service/internal/synth"
	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// envelope is a superset of every server message, for test-side decoding.
type envelope struct {
	Type         string        `json:"type"`
	RequestID    string        `json:"request_id"`
	ConnectionID string        `json:"connection_id"`
	Code         string        `json:"code"`
	Message      string        `json:"message"`
	DefaultVoice string        `json:"default_voice"`
	Voices       []synth.Voice `json:"voices"`
	TextLength   int           `json:"text_length"`
	ChunkIndex   int           `json:"chunk_index"`
	AudioData    string        `json:"audio_data"`
	ChunkSize    int           `json:"chunk_size"`
	TotalSize    int           `json:"total_size"`
	TotalChunks  int           `json:"total_chunks"`
	Format       string        `json:"format"`
	DurationMS   int64         `json:"duration_ms"`
	IsFinal      bool          `json:"is_final"`
}

func startServer(t *testing.T, tweak func(*config.Config)) (*Server, *synth.MockEngine, *queue.Queue, *synth.Adapter) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Bind = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Synth.SynthTimeoutMS = 5000
	if tweak != nil {
		tweak(&cfg)
	}

	mock := synth.NewMockEngine(cfg.Synth.SampleRate, cfg.Synth.Channels)
	mock.SetDelay(time.Millisecond)
	adapter, err := synth.NewAdapter(cfg.Synth, func() (synth.Engine, error) { return mock, nil }, testLogger())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	q := queue.New(cfg.Queue.Capacity, adapter, testLogger())
	q.Start(context.Background())

	srv := New(cfg.Server, q, adapter, testLogger(), cfg.ServiceName, "test")
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		srv.StopAccepting(context.Background())
		q.Drain(3 * time.Second)
		srv.CloseConnections()
	})
	return srv, mock, q, adapter
}

// dial opens a connection and consumes the welcome message.
func dial(t *testing.T, srv *Server) (*websocket.Conn, envelope) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	welcome := readMsg(t, conn)
	if welcome.Type != protocol.TypeWelcome {
		t.Fatalf("expected welcome, got %q", welcome.Type)
	}
	return conn, welcome
}

func readMsg(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return env
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write message: %v", err)
	}
}

// collectSynthesis reads one full synthesis exchange: start, chunks if any,
// and the completion. It returns the reassembled audio.
func collectSynthesis(t *testing.T, conn *websocket.Conn, requestID string) ([]byte, envelope) {
	t.Helper()
	start := readMsg(t, conn)
	if start.Type == protocol.TypeError {
		t.Fatalf("synthesis rejected: %s %s", start.Code, start.Message)
	}
	if start.Type != protocol.TypeSynthesisStart || start.RequestID != requestID {
		t.Fatalf("expected synthesis_start for %s, got %+v", requestID, start)
	}

	var audio []byte
	chunks := 0
	for {
		env := readMsg(t, conn)
		switch env.Type {
		case protocol.TypeAudioChunk:
			chunks++
			if env.ChunkIndex != chunks {
				t.Fatalf("chunk index out of order: got %d, want %d", env.ChunkIndex, chunks)
			}
			data, err := base64.StdEncoding.DecodeString(env.AudioData)
			if err != nil {
				t.Fatalf("decode chunk %d: %v", chunks, err)
			}
			if len(data) != env.ChunkSize {
				t.Fatalf("chunk %d size mismatch: %d vs %d", chunks, len(data), env.ChunkSize)
			}
			audio = append(audio, data...)
		case protocol.TypeSynthesisComplete:
			if env.TotalChunks != chunks {
				t.Fatalf("completion reports %d chunks, saw %d", env.TotalChunks, chunks)
			}
			if env.AudioData != "" {
				data, err := base64.StdEncoding.DecodeString(env.AudioData)
				if err != nil {
					t.Fatalf("decode buffered audio: %v", err)
				}
				audio = data
			}
			if env.TotalSize != len(audio) {
				t.Fatalf("completion reports %d bytes, got %d", env.TotalSize, len(audio))
			}
			return audio, env
		case protocol.TypeError:
			t.Fatalf("synthesis failed: %s %s", env.Code, env.Message)
		default:
			t.Fatalf("unexpected message type %q", env.Type)
		}
	}
}

func TestWelcomeOnConnect(t *testing.T) {
	srv, _, _, _ := startServer(t, nil)
	_, welcome := dial(t, srv)

	if welcome.ConnectionID == "" {
		t.Fatal("expected a connection id")
	}
	if welcome.DefaultVoice != "en-US" {
		t.Fatalf("expected default voice en-US, got %q", welcome.DefaultVoice)
	}
	if len(welcome.Voices) == 0 {
		t.Fatal("expected a voice inventory")
	}
}

func TestSynthesizeStreamed(t *testing.T) {
	srv, _, _, _ := startServer(t, func(cfg *config.Config) {
		cfg.Server.ChunkBytes = 512
	})
	conn, _ := dial(t, srv)

	send(t, conn, protocol.ClientMessage{
		Type:      protocol.TypeSynthesize,
		RequestID: "req-stream",
		Text:      "hello world, this takes several chunks",
	})

	audio, complete := collectSynthesis(t, conn, "req-stream")
	if len(audio) == 0 {
		t.Fatal("expected non-empty audio")
	}
	if !bytes.HasPrefix(audio, []byte("RIFF")) {
		t.Fatal("expected a wav payload")
	}
	if complete.TotalChunks < 2 {
		t.Fatalf("expected multiple chunks at 512-byte chunking, got %d", complete.TotalChunks)
	}
	if complete.Format != "wav" {
		t.Fatalf("expected wav format, got %q", complete.Format)
	}
	if complete.DurationMS <= 0 {
		t.Fatalf("expected positive duration, got %d", complete.DurationMS)
	}
}

func TestSynthesizeBuffered(t *testing.T) {
	srv, _, _, _ := startServer(t, nil)
	conn, _ := dial(t, srv)

	buffered := false
	send(t, conn, protocol.ClientMessage{
		Type:      protocol.TypeSynthesize,
		RequestID: "req-buffered",
		Text:      "hello world",
		Stream:    &buffered,
	})

	audio, complete := collectSynthesis(t, conn, "req-buffered")
	if len(audio) == 0 {
		t.Fatal("expected non-empty audio")
	}
	if !bytes.HasPrefix(audio, []byte("RIFF")) {
		t.Fatal("expected a wav payload")
	}
	if complete.TotalChunks != 0 {
		t.Fatalf("buffered responses carry no chunks, got %d", complete.TotalChunks)
	}
}

func TestEmptyTextRejectedBeforeQueue(t *testing.T) {
	srv, mock, q, _ := startServer(t, nil)
	conn, _ := dial(t, srv)

	send(t, conn, protocol.ClientMessage{
		Type:      protocol.TypeSynthesize,
		RequestID: "req-empty",
		Text:      "   ",
	})

	env := readMsg(t, conn)
	if env.Type != protocol.TypeError || env.Code != protocol.CodeInvalidParameter {
		t.Fatalf("expected invalid_parameter error, got %+v", env)
	}
	if env.RequestID != "req-empty" {
		t.Fatalf("error must carry the request id, got %q", env.RequestID)
	}
	if q.Depth() != 0 {
		t.Fatalf("invalid request must not occupy the queue, depth=%d", q.Depth())
	}
	if mock.Calls() != 0 {
		t.Fatalf("invalid request must not reach the engine, calls=%d", mock.Calls())
	}
}

func TestUnsupportedVoiceRejected(t *testing.T) {
	srv, _, _, _ := startServer(t, nil)
	conn, _ := dial(t, srv)

	send(t, conn, protocol.ClientMessage{
		Type:      protocol.TypeSynthesize,
		RequestID: "req-voice",
		Text:      "hello",
		Voice:     "xx-XX",
	})

	env := readMsg(t, conn)
	if env.Type != protocol.TypeError || env.Code != protocol.CodeUnsupportedVoice {
		t.Fatalf("expected unsupported_voice error, got %+v", env)
	}
}

func TestUnknownMessageType(t *testing.T) {
	srv, _, _, _ := startServer(t, nil)
	conn, _ := dial(t, srv)

	send(t, conn, protocol.ClientMessage{Type: "bogus", RequestID: "req-bogus"})

	env := readMsg(t, conn)
	if env.Type != protocol.TypeError || env.Code != protocol.CodeMalformed {
		t.Fatalf("expected malformed error, got %+v", env)
	}
}

func TestMalformedJSON(t *testing.T) {
	srv, _, _, _ := startServer(t, nil)
	conn, _ := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readMsg(t, conn)
	if env.Type != protocol.TypeError || env.Code != protocol.CodeMalformed {
		t.Fatalf("expected malformed error, got %+v", env)
	}
}

func TestPingPong(t *testing.T) {
	srv, _, _, _ := startServer(t, nil)
	conn, _ := dial(t, srv)

	send(t, conn, protocol.ClientMessage{Type: protocol.TypePing, RequestID: "req-ping"})
	env := readMsg(t, conn)
	if env.Type != protocol.TypePong || env.RequestID != "req-ping" {
		t.Fatalf("expected pong for req-ping, got %+v", env)
	}
}

func TestGetVoices(t *testing.T) {
	srv, mock, _, _ := startServer(t, nil)
	conn, _ := dial(t, srv)

	send(t, conn, protocol.ClientMessage{Type: protocol.TypeGetVoices, RequestID: "req-voices"})
	env := readMsg(t, conn)
	if env.Type != protocol.TypeVoiceInfo {
		t.Fatalf("expected voice_info, got %q", env.Type)
	}
	if len(env.Voices) != len(mock.Voices()) {
		t.Fatalf("expected %d voices, got %d", len(mock.Voices()), len(env.Voices))
	}
	if env.DefaultVoice != "en-US" {
		t.Fatalf("expected default voice en-US, got %q", env.DefaultVoice)
	}
}

func TestCancelUnknownRequest(t *testing.T) {
	srv, _, _, _ := startServer(t, nil)
	conn, _ := dial(t, srv)

	send(t, conn, protocol.ClientMessage{Type: protocol.TypeCancel, RequestID: "no-such-request"})
	env := readMsg(t, conn)
	if env.Type != protocol.TypeError || env.Code != protocol.CodeMalformed {
		t.Fatalf("expected malformed error, got %+v", env)
	}
}

func TestRequestDeadlineExceeded(t *testing.T) {
	srv, mock, _, _ := startServer(t, func(cfg *config.Config) {
		cfg.Server.RequestTimeoutMS = 50
	})
	mock.SetDelay(300 * time.Millisecond)
	conn, _ := dial(t, srv)

	send(t, conn, protocol.ClientMessage{
		Type:      protocol.TypeSynthesize,
		RequestID: "req-slow",
		Text:      "too slow for the per-request deadline",
	})

	start := readMsg(t, conn)
	if start.Type != protocol.TypeSynthesisStart {
		t.Fatalf("expected synthesis_start, got %+v", start)
	}
	env := readMsg(t, conn)
	if env.Type != protocol.TypeError || env.Code != protocol.CodeTimeout {
		t.Fatalf("expected timeout error, got %+v", env)
	}
}

func TestEngineFaultIsRetriedTransparently(t *testing.T) {
	srv, mock, _, _ := startServer(t, nil)
	mock.FailNext(1, errors.New("transient native fault"))
	conn, _ := dial(t, srv)

	send(t, conn, protocol.ClientMessage{
		Type:      protocol.TypeSynthesize,
		RequestID: "req-fault",
		Text:      "hello",
	})

	audio, _ := collectSynthesis(t, conn, "req-fault")
	if len(audio) == 0 {
		t.Fatal("expected audio despite the transient fault")
	}
	if got := mock.Calls(); got != 2 {
		t.Fatalf("expected fault plus retry, got %d calls", got)
	}
}

func TestConcurrentConnections(t *testing.T) {
	srv, _, _, adapter := startServer(t, nil)

	const conns = 4
	var wg sync.WaitGroup
	errs := make(chan error, conns)
	for i := 0; i < conns; i++ {
		conn, _ := dial(t, srv)
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			if err := conn.WriteJSON(protocol.ClientMessage{
				Type:      protocol.TypeSynthesize,
				RequestID: "req-parallel",
				Text:      "served without blocking the other connections",
			}); err != nil {
				errs <- err
				return
			}
			for {
				var env envelope
				if err := conn.ReadJSON(&env); err != nil {
					errs <- err
					return
				}
				if env.Type == protocol.TypeError {
					errs <- errors.New(env.Code + ": " + env.Message)
					return
				}
				if env.Type == protocol.TypeSynthesisComplete {
					return
				}
			}
		}(conn)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("connection failed: %v", err)
	}

	// Many connections, still one engine caller.
	if got := adapter.MaxInFlight(); got != 1 {
		t.Fatalf("engine concurrency exceeded 1: %d", got)
	}
}
