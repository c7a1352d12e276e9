// Package server is the network-facing front end: it accepts WebSocket
// connections, validates synthesis requests, submits them to the job
// queue, and delivers results without ever blocking one connection on
// another.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alongcar/tts-service/internal/config"
	"github.com/alongcar/tts-service/internal/protocol"
	"github.com/alongcar/tts-service/internal/queue"
	"github.com/alongcar/tts-service/internal/synth"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const writeTimeout = 10 * time.Second

// Server owns the listening socket and all connection handlers.
type Server struct {
	cfg      config.ServerConfig
	queue    *queue.Queue
	adapter  *synth.Adapter
	log      *slog.Logger
	service  string
	version  string
	upgrader websocket.Upgrader

	httpSrv *http.Server
	ln      net.Listener

	// ctx spans the server's whole life, including the drain phase, so
	// handlers awaiting jobs are not torn down before the grace deadline.
	ctx    context.Context
	cancel context.CancelFunc

	connsMu sync.Mutex
	conns   map[*client]struct{}
}

func New(cfg config.ServerConfig, q *queue.Queue, adapter *synth.Adapter, log *slog.Logger, service, version string) *Server {
	return &Server{
		cfg:     cfg,
		queue:   q,
		adapter: adapter,
		log:     log.With(slog.String("component", "request-server")),
		service: service,
		version: version,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*client]struct{}),
	}
}

// Start binds the listening port. A bind failure is fatal to startup.
func (s *Server) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.ln = ln
	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("request server failed", slog.String("error", err.Error()))
		}
	}()

	s.log.Info("request server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr reports the bound address.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// StopAccepting closes the listener. Established WebSocket connections are
// hijacked and stay up until CloseConnections.
func (s *Server) StopAccepting(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// CloseConnections terminates every remaining connection after draining.
func (s *Server) CloseConnections() {
	if s.cancel != nil {
		s.cancel()
	}
	s.connsMu.Lock()
	clients := make([]*client, 0, len(s.conns))
	for c := range s.conns {
		clients = append(clients, c)
	}
	s.connsMu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

type client struct {
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex

	jobsMu sync.Mutex
	jobs   map[string]*queue.Job

	handlers sync.WaitGroup
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSec), s.cfg.MessageBurst),
		jobs:    make(map[string]*queue.Job),
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()

	s.log.Info("connection opened", slog.String("connection_id", c.id))

	defer func() {
		c.cancelAll()
		c.handlers.Wait()
		conn.Close()
		s.connsMu.Lock()
		delete(s.conns, c)
		s.connsMu.Unlock()
		s.log.Info("connection closed", slog.String("connection_id", c.id))
	}()

	s.sendWelcome(c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("connection read error",
					slog.String("connection_id", c.id),
					slog.String("error", err.Error()))
			}
			return
		}
		if err := c.limiter.Wait(s.ctx); err != nil {
			return
		}
		s.dispatch(c, data)
	}
}

func (s *Server) dispatch(c *client, data []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(c, "invalid", protocol.CodeMalformed, "invalid JSON payload")
		return
	}

	switch msg.Type {
	case protocol.TypeSynthesize:
		if msg.RequestID == "" {
			msg.RequestID = uuid.NewString()
		}
		c.handlers.Add(1)
		go func() {
			defer c.handlers.Done()
			s.handleSynthesize(c, msg)
		}()
	case protocol.TypeGetVoices:
		s.send(c, protocol.VoiceInfo{
			Type:         protocol.TypeVoiceInfo,
			RequestID:    msg.RequestID,
			DefaultVoice: s.adapter.DefaultVoice(),
			Voices:       s.adapter.Voices(),
			Timestamp:    time.Now().UTC(),
		})
	case protocol.TypePing:
		s.send(c, protocol.Pong{
			Type:      protocol.TypePong,
			RequestID: msg.RequestID,
			Timestamp: time.Now().UTC(),
		})
	case protocol.TypeCancel:
		if job, ok := c.lookup(msg.RequestID); ok {
			job.Cancel()
		} else {
			s.sendError(c, msg.RequestID, protocol.CodeMalformed, "unknown request_id")
		}
	default:
		s.sendError(c, msg.RequestID, protocol.CodeMalformed,
			fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

func (s *Server) handleSynthesize(c *client, msg protocol.ClientMessage) {
	req := synth.Request{
		Text:   msg.Text,
		Voice:  msg.Voice,
		Format: msg.Format,
	}
	if msg.Rate != nil {
		req.Rate = *msg.Rate
	}
	if msg.Volume != nil {
		req.Volume = *msg.Volume
	}
	if msg.Pitch != nil {
		req.Pitch = *msg.Pitch
	}

	// Reject malformed requests here; the queue never sees them.
	req, err := s.adapter.Normalize(req)
	if err != nil {
		s.sendError(c, msg.RequestID, protocol.CodeForError(err), err.Error())
		return
	}

	job, err := s.queue.Submit(req)
	if err != nil {
		s.sendError(c, msg.RequestID, protocol.CodeForError(err), err.Error())
		return
	}
	c.track(msg.RequestID, job)
	defer c.untrack(msg.RequestID)

	s.send(c, protocol.SynthesisStart{
		Type:       protocol.TypeSynthesisStart,
		RequestID:  msg.RequestID,
		TextLength: utf8.RuneCountInString(req.Text),
		Timestamp:  time.Now().UTC(),
	})

	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.RequestTimeoutMS)*time.Millisecond)
	defer cancel()

	audio, err := job.Await(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			job.Cancel()
			s.sendError(c, msg.RequestID, protocol.CodeTimeout, "request deadline exceeded")
			return
		}
		s.sendError(c, msg.RequestID, protocol.CodeForError(err), err.Error())
		return
	}

	stream := msg.Stream == nil || *msg.Stream
	if stream {
		s.streamAudio(c, msg.RequestID, audio)
		return
	}
	s.send(c, protocol.SynthesisComplete{
		Type:       protocol.TypeSynthesisComplete,
		RequestID:  msg.RequestID,
		TotalSize:  len(audio.Data),
		Format:     audio.Format,
		DurationMS: audio.Duration.Milliseconds(),
		AudioData:  base64.StdEncoding.EncodeToString(audio.Data),
		Timestamp:  time.Now().UTC(),
	})
}

func (s *Server) streamAudio(c *client, requestID string, audio *synth.Audio) {
	total := len(audio.Data)
	chunkIndex := 0
	for offset := 0; offset < total; offset += s.cfg.ChunkBytes {
		end := offset + s.cfg.ChunkBytes
		if end > total {
			end = total
		}
		chunkIndex++
		ok := s.send(c, protocol.AudioChunk{
			Type:       protocol.TypeAudioChunk,
			RequestID:  requestID,
			ChunkIndex: chunkIndex,
			AudioData:  base64.StdEncoding.EncodeToString(audio.Data[offset:end]),
			ChunkSize:  end - offset,
			TotalSize:  end,
			IsFinal:    end == total,
		})
		if !ok {
			return
		}
	}
	s.send(c, protocol.SynthesisComplete{
		Type:        protocol.TypeSynthesisComplete,
		RequestID:   requestID,
		TotalChunks: chunkIndex,
		TotalSize:   total,
		Format:      audio.Format,
		DurationMS:  audio.Duration.Milliseconds(),
		Timestamp:   time.Now().UTC(),
	})
}

func (s *Server) sendWelcome(c *client) {
	s.send(c, protocol.Welcome{
		Type:             protocol.TypeWelcome,
		ConnectionID:     c.id,
		Service:          s.service,
		Version:          s.version,
		SupportedFormats: []string{"wav"},
		DefaultVoice:     s.adapter.DefaultVoice(),
		Voices:           s.adapter.Voices(),
		Timestamp:        time.Now().UTC(),
	})
}

func (s *Server) sendError(c *client, requestID, code, message string) {
	s.send(c, protocol.Error{
		Type:      protocol.TypeError,
		RequestID: requestID,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) send(c *client, payload any) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(payload); err != nil {
		s.log.Warn("write failed",
			slog.String("connection_id", c.id),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

func (c *client) track(requestID string, job *queue.Job) {
	c.jobsMu.Lock()
	c.jobs[requestID] = job
	c.jobsMu.Unlock()
}

func (c *client) untrack(requestID string) {
	c.jobsMu.Lock()
	delete(c.jobs, requestID)
	c.jobsMu.Unlock()
}

func (c *client) lookup(requestID string) (*queue.Job, bool) {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	job, ok := c.jobs[requestID]
	return job, ok
}

// cancelAll cancels jobs belonging to a departed client; their results
// would have nowhere to go.
func (c *client) cancelAll() {
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	for _, job := range c.jobs {
		job.Cancel()
	}
}

func (c *client) close(code int, reason string) {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
	c.conn.Close()
}
