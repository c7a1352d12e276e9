// Package runtime supervises the process lifecycle: it binds the engine
// handle and the listening port exactly once, runs the service, and drains
// in-flight work on shutdown.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/alongcar/tts-service/internal/bus"
	"github.com/alongcar/tts-service/internal/config"
	"github.com/alongcar/tts-service/internal/journal"
	"github.com/alongcar/tts-service/internal/natsserver"
	"github.com/alongcar/tts-service/internal/protocol"
	"github.com/alongcar/tts-service/internal/queue"
	"github.com/alongcar/tts-service/internal/server"
	"github.com/alongcar/tts-service/internal/synth"
)

// State is the supervisor's lifecycle phase.
type State int32

const (
	StateStarting State = iota
	StateReady
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runtime struct {
	cfg     config.Config
	log     *slog.Logger
	version string

	state    atomic.Int32
	degraded atomic.Bool
	faultMsg atomic.Pointer[string]

	adminSrv *http.Server
	wg       sync.WaitGroup
}

func New(cfg config.Config, log *slog.Logger, version string) *Runtime {
	return &Runtime{cfg: cfg, log: log, version: version}
}

// State reports the supervisor's current phase.
func (r *Runtime) State() State { return State(r.state.Load()) }

func (r *Runtime) setState(s State) {
	r.state.Store(int32(s))
	r.log.Info("state changed", slog.String("state", s.String()))
}

// Start runs the service until ctx is cancelled, then drains. There is no
// partial-ready state: any startup failure returns an error and the caller
// exits non-zero.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.setState(StateStarting)

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.log)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}

	store, err := journal.Open(ctx, r.cfg.Journal, r.log)
	if err != nil {
		return fmt.Errorf("open job journal: %w", err)
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.log)
	if err != nil {
		r.log.Warn("embedded bus unavailable, job events will not be mirrored",
			slog.String("error", err.Error()))
	}
	var events *bus.Client
	if r.cfg.Bus.Enabled {
		events, err = bus.Connect(r.cfg.Bus, r.log)
		if err != nil {
			r.log.Warn("bus unavailable, job events will not be mirrored",
				slog.String("error", err.Error()))
		}
	}

	adapter, err := synth.NewAdapter(r.cfg.Synth, func() (synth.Engine, error) {
		return synth.NewEngine(r.cfg.Synth)
	}, r.log)
	if err != nil {
		return fmt.Errorf("engine unavailable: %w", err)
	}
	adapter.OnFault(func(ferr error) {
		msg := ferr.Error()
		r.faultMsg.Store(&msg)
		r.degraded.Store(true)
		r.log.Error("engine fault not recovered, marking degraded",
			slog.String("error", msg))
		if r.cfg.Synth.FailFast {
			cancel()
		}
	})

	jobs := queue.New(r.cfg.Queue.Capacity, adapter, r.log)
	jobs.SetObserver(func(job *queue.Job, elapsed time.Duration) {
		r.recordJob(store, events, job, elapsed)
	})
	jobs.Start(context.Background())

	srv := server.New(r.cfg.Server, jobs, adapter, r.log, r.cfg.ServiceName, r.version)
	if err := srv.Start(); err != nil {
		return err
	}

	r.startAdmin(metricsHandler, store)

	r.setState(StateReady)
	r.log.Info("service ready",
		slog.String("addr", srv.Addr()),
		slog.String("synth_mode", r.cfg.Synth.Mode),
		slog.Int("queue_capacity", r.cfg.Queue.Capacity))

	<-ctx.Done()

	r.setState(StateDraining)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.StopAccepting(shutdownCtx); err != nil {
		r.log.Error("listener shutdown error", slog.String("error", err.Error()))
	}
	jobs.Drain(time.Duration(r.cfg.Shutdown.DrainGraceMS) * time.Millisecond)
	srv.CloseConnections()

	events.Close()
	embedded.Shutdown()
	if err := store.Close(); err != nil {
		r.log.Error("journal close error", slog.String("error", err.Error()))
	}
	if err := adapter.Close(); err != nil {
		r.log.Error("engine close error", slog.String("error", err.Error()))
	}

	if r.adminSrv != nil {
		if err := r.adminSrv.Shutdown(shutdownCtx); err != nil {
			r.log.Error("admin shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if shutdownTelemetry != nil {
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.log.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	r.setState(StateStopped)

	if r.cfg.Synth.FailFast && r.degraded.Load() {
		msg := "engine fault"
		if m := r.faultMsg.Load(); m != nil {
			msg = *m
		}
		return errors.New(msg)
	}
	return nil
}

// recordJob runs on the queue's terminal-state hook. Jobs that finish
// during the drain phase still get their journal entry, so the write is
// bounded by its own deadline rather than the runtime context.
func (r *Runtime) recordJob(store *journal.Store, events *bus.Client, job *queue.Job, elapsed time.Duration) {
	ctx, cancelWrite := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWrite()

	audio, jobErr := job.Result()
	status := job.Status().String()
	code := protocol.CodeForError(jobErr)

	entry := journal.Entry{
		JobID:       job.ID,
		Voice:       job.Request.Voice,
		TextChars:   utf8.RuneCountInString(job.Request.Text),
		Status:      status,
		ErrorCode:   code,
		DurationMS:  elapsed.Milliseconds(),
		SubmittedAt: job.SubmittedAt,
	}
	if audio != nil {
		entry.AudioBytes = len(audio.Data)
	}
	if err := store.Record(ctx, entry); err != nil {
		r.log.Warn("journal write failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}

	if events != nil {
		events.PublishJobEvent(protocol.JobEvent{
			JobID:      job.ID,
			Status:     status,
			Voice:      entry.Voice,
			TextChars:  entry.TextChars,
			AudioBytes: entry.AudioBytes,
			DurationMS: entry.DurationMS,
			Error:      code,
		})
	}
}

func (r *Runtime) startAdmin(metricsHandler http.Handler, store *journal.Store) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/jobs", r.handleJobs(store))
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	r.adminSrv = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.Error("admin server failed", slog.String("error", err.Error()))
		}
	}()
}

// handleJobs serves recent journal entries. In ephemeral retention mode the
// list is always empty.
func (r *Runtime) handleJobs(store *journal.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		limit := 50
		if raw := req.URL.Query().Get("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		entries, err := store.ListRecent(req.Context(), limit)
		if err != nil {
			r.log.Warn("journal list failed", slog.String("error", err.Error()))
			http.Error(w, "journal unavailable", http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []journal.Entry{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(entries); err != nil {
			r.log.Warn("journal list encode failed", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.State() == StateReady && !r.degraded.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
