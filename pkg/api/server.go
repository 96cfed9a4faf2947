// Package api exposes the control service over HTTP/JSON.
//
// Routes:
//
//	POST /v1/initialize   {"topology":"ex.yaml","rms":"localhost","timeoutSeconds":60}
//	POST /v1/configure    {"timeoutSeconds":60}   (body optional)
//	POST /v1/start
//	POST /v1/stop
//	POST /v1/terminate
//	POST /v1/shutdown
//	GET  /v1/status
//	GET  /v1/history?command=Start&status=error&limit=20&offset=0
//	GET  /metrics
//	GET  /healthz
//
// Command routes always answer with the command's envelope. A client that
// disconnects while its command waits for the command slot gives up its
// place. Once the command runs it is detached from the request and finishes
// on its own deadlines, whether or not anyone is left to read the envelope.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetctl/odc/pkg/engine"
	"github.com/fleetctl/odc/pkg/stores"
)

// Controller is the control service as seen by the API.
type Controller interface {
	Initialize(ctx context.Context, p engine.InitializeParams, opts ...engine.CallOption) *engine.Envelope
	ConfigureRun(ctx context.Context, opts ...engine.CallOption) *engine.Envelope
	Start(ctx context.Context, opts ...engine.CallOption) *engine.Envelope
	Stop(ctx context.Context, opts ...engine.CallOption) *engine.Envelope
	Terminate(ctx context.Context, opts ...engine.CallOption) *engine.Envelope
	Shutdown(ctx context.Context, opts ...engine.CallOption) *engine.Envelope
	Status() engine.Snapshot
}

// HistoryReader lists recorded commands.
type HistoryReader interface {
	ListCommands(ctx context.Context, filter stores.CommandFilter) ([]*stores.Command, error)
}

// CommandRequest is the optional body of a command route.
type CommandRequest struct {
	// TimeoutSeconds overrides the per-wait deadline for this call.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// InitializeRequest is the body of POST /v1/initialize.
type InitializeRequest struct {
	engine.InitializeParams
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// Routes maps the command routes to the commands they run.
var Routes = map[string]engine.Command{
	"initialize": engine.CommandInitialize,
	"configure":  engine.CommandConfigureRun,
	"start":      engine.CommandStart,
	"stop":       engine.CommandStop,
	"terminate":  engine.CommandTerminate,
	"shutdown":   engine.CommandShutdown,
}

// Config configures the server.
type Config struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// History serves /v1/history when set.
	History HistoryReader
}

// Server serves the control API.
type Server struct {
	cfg     Config
	ctrl    Controller
	logger  zerolog.Logger
	handler http.Handler
}

// NewServer creates a server over ctrl.
func NewServer(ctrl Controller, cfg Config, logger zerolog.Logger) *Server {
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		ctrl:   ctrl,
		logger: logger.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/initialize", s.handleInitialize)
	for route, cmd := range Routes {
		if cmd == engine.CommandInitialize {
			continue
		}
		mux.HandleFunc("POST /v1/"+route, s.commandHandler(cmd))
	}
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics)
	}

	s.handler = s.logRequests(mux)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve listens on the configured address and blocks until ctx ends and
// in-flight requests drained.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", listener.Addr().String()).Msg("API server listening")
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down API server: %w", err)
	}
	s.logger.Info().Msg("API server stopped")
	return <-errCh
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, badRequest(engine.CommandInitialize, err))
		return
	}
	if req.TopologyPath == "" {
		writeJSON(w, http.StatusBadRequest, badRequest(engine.CommandInitialize, errors.New("topology is required")))
		return
	}
	env := s.ctrl.Initialize(context.WithoutCancel(r.Context()), req.InitializeParams, callOptions(r, req.TimeoutSeconds)...)
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) commandHandler(cmd engine.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CommandRequest
		if err := decodeBody(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, badRequest(cmd, err))
			return
		}
		opts := callOptions(r, req.TimeoutSeconds)
		ctx := context.WithoutCancel(r.Context())

		var env *engine.Envelope
		switch cmd {
		case engine.CommandConfigureRun:
			env = s.ctrl.ConfigureRun(ctx, opts...)
		case engine.CommandStart:
			env = s.ctrl.Start(ctx, opts...)
		case engine.CommandStop:
			env = s.ctrl.Stop(ctx, opts...)
		case engine.CommandTerminate:
			env = s.ctrl.Terminate(ctx, opts...)
		case engine.CommandShutdown:
			env = s.ctrl.Shutdown(ctx, opts...)
		}
		writeJSON(w, http.StatusOK, env)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.History == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "history is disabled"})
		return
	}

	q := r.URL.Query()
	filter := stores.CommandFilter{
		Command: q.Get("command"),
		Status:  stores.CommandStatus(q.Get("status")),
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit: " + err.Error()})
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid offset: " + err.Error()})
		return
	}

	cmds, err := s.cfg.History.ListCommands(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list history")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// callOptions ties the wait for the command slot to the request and applies
// the requested deadline.
func callOptions(r *http.Request, timeoutSeconds int) []engine.CallOption {
	opts := []engine.CallOption{engine.WithQueueContext(r.Context())}
	if timeoutSeconds > 0 {
		opts = append(opts, engine.WithTimeout(time.Duration(timeoutSeconds)*time.Second))
	}
	return opts
}

// decodeBody reads an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func badRequest(cmd engine.Command, err error) *engine.Envelope {
	return &engine.Envelope{
		Status: engine.StatusError,
		Error: &engine.ErrorInfo{
			Code: http.StatusBadRequest,
			Msg:  fmt.Sprintf("%s failed: %s", cmd, err),
		},
	}
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
