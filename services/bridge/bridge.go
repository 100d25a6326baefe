// bridge/bridge.go
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"ads7830-go/bus"
	"ads7830-go/errcode"
	"ads7830-go/services/config"
	"ads7830-go/services/varstore"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Vars is the consumer side of the variable store.
type Vars interface {
	Get(ctx context.Context, name string) (varstore.Value, error)
	Print(ctx context.Context, name string, w io.Writer) error
	List() []varstore.Value
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// Service exposes the variable store over HTTP. Link state is published
// retained on bridge/state.
type Service struct {
	conn       *bus.Connection
	vars       Vars
	log        *slog.Logger
	stateTopic bus.Topic
	router     chi.Router
}

func New(conn *bus.Connection, vars Vars, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		conn:       conn,
		vars:       vars,
		log:        log.With("component", "bridge"),
		stateTopic: bus.T("bridge", "state"),
	}
	s.router = s.routes()
	return s
}

func (s *Service) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	r.Get("/config", s.getConfig)
	r.Get("/vars", s.listVars)
	r.Get("/vars/*", s.getVar)
	r.Get("/print/*", s.printVar)
	return r
}

// Handler returns the HTTP handler.
func (s *Service) Handler() http.Handler { return s.router }

// Serve listens on addr until ctx is cancelled. A failing listener is
// retried with backoff.
func (s *Service) Serve(ctx context.Context, addr string) error {
	backoff := backoffSeq(250*time.Millisecond, 5*time.Second)
	for {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			delay := backoff()
			s.publishState("degraded", "listen_failed_retrying", fmt.Errorf("%v (retry in %s)", err, delay))
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		return s.serve(ctx, ln)
	}
}

func (s *Service) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	s.publishState("up", "listening", nil)
	s.log.Info("listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		s.publishState("idle", "stopped", nil)
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.publishState("error", "server_failed", err)
		return err
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

func (s *Service) listVars(w http.ResponseWriter, _ *http.Request) {
	sendJSON(w, http.StatusOK, s.vars.List())
}

func (s *Service) getVar(w http.ResponseWriter, r *http.Request) {
	name := "/" + chi.URLParam(r, "*")
	v, err := s.vars.Get(r.Context(), name)
	if err != nil {
		sendError(w, err)
		return
	}
	sendJSON(w, http.StatusOK, v)
}

func (s *Service) printVar(w http.ResponseWriter, r *http.Request) {
	name := "/" + chi.URLParam(r, "*")
	var buf bytes.Buffer
	if err := s.vars.Print(r.Context(), name, &buf); err != nil {
		sendError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// getConfig collects the retained config/<key> sections.
func (s *Service) getConfig(w http.ResponseWriter, _ *http.Request) {
	sub := s.conn.Subscribe(bus.T(config.Prefix, bus.WildOne))
	defer s.conn.Unsubscribe(sub)

	// Retained messages are queued before Subscribe returns.
	out := map[string]any{}
drain:
	for {
		select {
		case m := <-sub.Channel():
			if k, ok := m.Topic.At(1).(string); ok {
				out[k] = m.Payload
			}
		default:
			break drain
		}
	}
	sendJSON(w, http.StatusOK, out)
}

// -----------------------------------------------------------------------------
// Utilities
// -----------------------------------------------------------------------------

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

func sendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := errcode.Of(err)
	switch {
	case errors.Is(err, varstore.ErrNotFound):
		status, code = http.StatusNotFound, errcode.ChannelNotFound
	case code == errcode.Timeout:
		status = http.StatusGatewayTimeout
	}
	sendJSON(w, status, errorBody{Error: errorDetail{Code: string(code), Message: err.Error()}})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debug("request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func (s *Service) publishState(level, status string, err error) {
	payload := map[string]any{
		"level":  level,  // "up", "degraded", "error", "idle"
		"status": status, // short machine string
		"ts_ms":  time.Now().UnixMilli(),
	}
	if err != nil {
		payload["error"] = err.Error()
		s.log.Warn("bridge state", "level", level, "status", status, "err", err)
	}
	s.conn.Publish(s.conn.NewMessage(s.stateTopic, payload, true))
}

func backoffSeq(min, max time.Duration) func() time.Duration {
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	if max < min {
		max = min
	}
	var cur = min
	return func() time.Duration {
		d := cur
		cur *= 2
		if cur > max {
			cur = max
		}
		return d
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
