// Package ipc implements the Command API's local control-socket server: an
// accept loop over a Unix domain socket that reads one framed Command per
// connection and replies with one framed CommandResponse, handing staging
// and lifecycle requests off to the queue Dispatcher. One request-reply
// exchange per connection suits a local single-operator control surface,
// rather than many long-lived multiplexed streams per connection.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ariadl/internal/events"
	"ariadl/internal/ipc/framing"
	"ariadl/internal/job"
	"ariadl/internal/queue"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

var ErrServerClosed = errors.New("ipc: server is closed")

// Lifecycle is the subset of control the server needs over a job's runtime
// state. *queue.Dispatcher satisfies this directly (flipping a persisted
// status byte); a *runner.Runner also satisfies it and additionally acts on
// whichever job it currently has running, so wiring one in place of the
// Dispatcher makes pause_active/stop_active affect a live download instead
// of only the queue's bookkeeping.
type Lifecycle interface {
	PauseActive(id string) error
	Resume(id string) error
	StopActive(id string) error
}

// EventSource is implemented by anything the server can stream events.Event
// values from for a subscribe_events connection.
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
}

// Config configures the control-socket Server.
type Config struct {
	SocketPath string
	Dispatcher *queue.Dispatcher
	Logger     *slog.Logger

	// Lifecycle receives pause_active/resume/stop_active calls; defaults to
	// Dispatcher when unset.
	Lifecycle Lifecycle

	// EventSource, when set, lets clients open a subscribe_events
	// connection. Unset means the server rejects subscribe_events.
	EventSource EventSource

	// OnStage is invoked once per staged job from a StageRequest; nil is a
	// valid no-op (the job is still durably queued, just not immediately
	// picked up).
	OnStage func(*job.Job)
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "ipc_server")
	}
	if c.Lifecycle == nil {
		c.Lifecycle = c.Dispatcher
	}
}

// Server accepts local control connections on a Unix domain socket.
type Server struct {
	cfg      Config
	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

// New builds a Server; it does not start listening until Start is called.
func New(cfg Config) (*Server, error) {
	cfg.setDefaults()
	if cfg.Dispatcher == nil {
		panic("ipc: Dispatcher is mandatory for Server")
	}
	if cfg.SocketPath == "" {
		panic("ipc: SocketPath is mandatory for Server")
	}
	return &Server{cfg: cfg}, nil
}

// Start removes any stale socket file, binds the listener, and serves
// connections until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("ipc: server already started")
	}
	_ = os.Remove(s.cfg.SocketPath)

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ipc: listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = ln
	s.closed = false
	s.mu.Unlock()

	s.cfg.Logger.Info("control socket listening", "path", s.cfg.SocketPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		s.cfg.Logger.Info("control socket context cancelled, closing listener")
		s.mu.Lock()
		if s.listener != nil {
			_ = s.listener.Close()
			s.listener = nil
		}
		s.closed = true
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			isClosed := s.closed
			s.mu.Unlock()
			if isClosed || errors.Is(err, net.ErrClosed) {
				s.cfg.Logger.Info("control socket accept loop ending", "reason", err)
				return nil
			}
			s.cfg.Logger.Error("accept failed on control socket", "error", err)
			continue
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// Stop closes the listener and waits (bounded by ctx) for in-flight
// connections to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()

	var err error
	if ln != nil {
		if e := ln.Close(); e != nil && !errors.Is(e, net.ErrClosed) {
			err = e
		}
	}
	_ = os.Remove(s.cfg.SocketPath)

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	logger := s.cfg.Logger.With("remote", conn.RemoteAddr())
	reader := framing.NewMessageReader(conn, logger)
	writer := framing.NewMessageWriter(conn, logger)

	readCtx, readCancel := context.WithTimeout(ctx, defaultReadTimeout)
	defer readCancel()

	var cmd events.Command
	if err := reader.ReadMsg(readCtx, &cmd); err != nil {
		logger.Debug("failed to read command", "error", err)
		return
	}

	if cmd.Kind == events.CommandSubscribeEvents {
		s.handleSubscribe(ctx, writer, logger)
		return
	}

	resp := s.dispatch(&cmd, logger)

	writeCtx, writeCancel := context.WithTimeout(ctx, defaultWriteTimeout)
	defer writeCancel()
	if err := writer.WriteMsg(writeCtx, resp); err != nil {
		logger.Error("failed to write command response", "error", err)
	}
}

func (s *Server) dispatch(cmd *events.Command, logger *slog.Logger) events.CommandResponse {
	logger = logger.With("kind", cmd.Kind)
	switch cmd.Kind {
	case events.CommandStage:
		return s.handleStage(cmd.Stage, logger)
	case events.CommandPauseActive:
		if err := s.cfg.Lifecycle.PauseActive(cmd.JobID); err != nil {
			return errResponse(err)
		}
		return events.CommandResponse{OK: true}
	case events.CommandResume:
		if err := s.cfg.Lifecycle.Resume(cmd.JobID); err != nil {
			return errResponse(err)
		}
		return events.CommandResponse{OK: true}
	case events.CommandStopActive:
		if err := s.cfg.Lifecycle.StopActive(cmd.JobID); err != nil {
			return errResponse(err)
		}
		return events.CommandResponse{OK: true}
	case events.CommandListJobs:
		return s.handleListJobs()
	default:
		logger.Warn("unknown command kind")
		return events.CommandResponse{OK: false, Error: fmt.Sprintf("ipc: unknown command kind %q", cmd.Kind)}
	}
}

// handleSubscribe is the one exception to the server's one-request-one-
// response contract: once accepted, the connection stays open and every
// event published on cfg.EventSource for the lifetime of the connection (or
// until ctx is done) is pushed to the client as its own framed message. A
// server with no EventSource configured rejects the subscription instead of
// pretending to stream.
func (s *Server) handleSubscribe(ctx context.Context, writer framing.Writer, logger *slog.Logger) {
	if s.cfg.EventSource == nil {
		writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
		defer cancel()
		_ = writer.WriteMsg(writeCtx, events.CommandResponse{OK: false, Error: "ipc: server has no event source configured"})
		return
	}

	ackCtx, ackCancel := context.WithTimeout(ctx, defaultWriteTimeout)
	if err := writer.WriteMsg(ackCtx, events.CommandResponse{OK: true}); err != nil {
		ackCancel()
		logger.Debug("failed to ack subscribe_events", "error", err)
		return
	}
	ackCancel()

	ch, unsubscribe := s.cfg.EventSource.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := writer.WriteMsg(writeCtx, ev)
			cancel()
			if err != nil {
				logger.Debug("subscriber disconnected", "error", err)
				return
			}
		}
	}
}

func (s *Server) handleStage(req *events.StageRequest, logger *slog.Logger) events.CommandResponse {
	if req == nil || len(req.URLs) == 0 {
		return events.CommandResponse{OK: false, Error: "ipc: stage command requires at least one URL"}
	}

	ids := make([]string, 0, len(req.URLs))
	for i, rawURL := range req.URLs {
		filename := job.DeriveFilename(rawURL, i)
		outputPath := filepath.Join(req.OutputDir, filename)
		j := job.New(rawURL, outputPath, req.WorkerCount, req.ForceAnonymizer)
		if err := s.cfg.Dispatcher.Stage(j); err != nil {
			logger.Error("failed to stage job", "url", rawURL, "error", err)
			return events.CommandResponse{OK: false, Error: err.Error(), JobIDs: ids}
		}
		ids = append(ids, j.ID)
		if s.cfg.OnStage != nil {
			s.cfg.OnStage(j)
		}
	}
	return events.CommandResponse{OK: true, JobIDs: ids}
}

func (s *Server) handleListJobs() events.CommandResponse {
	jobs := s.cfg.Dispatcher.List()
	summaries := make([]events.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		summaries = append(summaries, events.JobSummary{
			ID:              j.ID,
			URL:             j.URL,
			OutputPath:      j.OutputPath,
			Status:          string(j.Status()),
			DownloadedBytes: j.BytesTransferred(),
		})
	}
	return events.CommandResponse{OK: true, Jobs: summaries}
}

func errResponse(err error) events.CommandResponse {
	return events.CommandResponse{OK: false, Error: err.Error()}
}
