package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/wasmgate/wasmgate/script"
	"github.com/wasmgate/wasmgate/wasihttp"
)

// Route prefixes served by the runtime.
const (
	RunPrefix    = "/run/"
	ScriptPrefix = "/script/"
	HealthPath   = "/health"
	MetricsPath  = "/metrics"
)

// healthStatus is the /health response body.
type healthStatus struct {
	Status        string   `json:"status"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	CacheEntries  int      `json:"cache_entries"`
	CacheBytes    int64    `json:"cache_bytes"`
	Inflight      int64    `json:"inflight"`
	LoadedModules []string `json:"loaded_modules,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Server dispatches the HTTP surface onto a Runtime.
type Server struct {
	rt      *Runtime
	log     *logrus.Logger
	limiter *rate.Limiter
	mux     *http.ServeMux
}

// NewServer builds the HTTP surface. When cfg.RateLimitRPS is zero the
// upstream limiter is disabled.
func NewServer(rt *Runtime, log *logrus.Logger) *Server {
	if log == nil {
		log = rt.log
	}
	s := &Server{rt: rt, log: log}
	if rps := rt.cfg.RateLimitRPS; rps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(HealthPath, s.handleHealth)
	mux.Handle(MetricsPath, rt.sink.Handler())
	s.mux = mux
	return s
}

// ServeHTTP implements http.Handler. The dispatch routes are matched
// by raw prefix, not through the mux: the mux's path cleaning would
// rewrite dotted paths before the sanitizer ever saw them.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	if s.limiter != nil && !s.limiter.Allow() {
		s.writeError(w, http.StatusTooManyRequests, "rate_limited", "upstream rate limit exceeded")
		return
	}

	switch {
	case strings.HasPrefix(r.URL.Path, RunPrefix):
		s.handleRun(w, r)
	case strings.HasPrefix(r.URL.Path, ScriptPrefix):
		s.handleScript(w, r)
	default:
		s.mux.ServeHTTP(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "bad_request", "method not allowed")
		return
	}
	entries, bytes := s.rt.cache.Stats()
	status := healthStatus{
		Status:        "ok",
		UptimeSeconds: int64(s.rt.Uptime().Seconds()),
		CacheEntries:  entries,
		CacheBytes:    bytes,
		Inflight:      s.rt.sink.GlobalInflight(),
	}
	if r.URL.Query().Get("verbose") == "true" {
		status.LoadedModules = s.rt.cache.Names()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleRun serves ANY /run/{module}/{sub_path...}: the module segment
// is stripped and the handler sees the rewritten sub path.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, RunPrefix)
	moduleName, subPath, _ := strings.Cut(rest, "/")
	if moduleName == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "missing module name")
		return
	}
	if !strings.HasPrefix(subPath, "/") {
		subPath = "/" + subPath
	}
	if r.URL.RawQuery != "" {
		subPath += "?" + r.URL.RawQuery
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	req := &wasihttp.Request{
		Method:  r.Method,
		Path:    subPath,
		Headers: r.Header,
		Body:    body,
	}

	resp, ierr := s.rt.Invoke(r.Context(), moduleName, req)
	if ierr != nil {
		s.writeInvokeError(w, moduleName, ierr)
		return
	}

	h := w.Header()
	for k, vs := range resp.Headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	h.Set("X-Handler", moduleName)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// handleScript serves POST /script/{name} with the request body as the
// script's input value.
func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "bad_request", "scripts are invoked with POST")
		return
	}
	engine := s.rt.Scripts()
	if engine == nil {
		s.writeError(w, http.StatusNotFound, "not_found", "scripts are not enabled")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, ScriptPrefix)
	name, _, _ = strings.Cut(name, "/")
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "missing script name")
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}

	ctx, cancel := ensureDeadline(r, s.rt.cfg.RequestTimeout())
	defer cancel()

	result, err := engine.Run(ctx, name, body)
	if err != nil {
		s.writeScriptError(w, name, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"result":         json.RawMessage(result.Value),
		"calls_executed": result.CallsExecuted,
	})
}

// readBody stages the request body under the configured cap.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	limited := http.MaxBytesReader(w, r.Body, s.rt.cfg.MaxBodyBytes)
	body, err := io.ReadAll(limited)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large",
				fmt.Sprintf("request body exceeds %d bytes", s.rt.cfg.MaxBodyBytes))
		} else {
			s.writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		}
		return nil, false
	}
	return body, true
}

func (s *Server) writeInvokeError(w http.ResponseWriter, module string, ierr *Error) {
	s.log.WithFields(logrus.Fields{
		"module": module,
		"kind":   ierr.Kind.String(),
		"error":  ierr.Error(),
	}).Debug("invocation failed")
	s.writeError(w, ierr.Kind.HTTPStatus(), ierr.Kind.String(), ierr.Message)
}

func (s *Server) writeScriptError(w http.ResponseWriter, name string, err error) {
	switch {
	case errors.Is(err, script.ErrScriptNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", "script not found")
	case errors.Is(err, script.ErrDepthExceeded):
		s.writeError(w, http.StatusInternalServerError, "script_fault", "script call depth exceeded")
	default:
		s.log.WithFields(logrus.Fields{"script": name, "error": err}).Warn("script failed")
		s.writeError(w, http.StatusInternalServerError, "script_fault", "script execution failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: kind, Message: message})
}

// ensureDeadline guarantees the request context carries a deadline so
// scripts always have a finite budget to propagate.
func ensureDeadline(r *http.Request, d time.Duration) (ctx context.Context, cancel context.CancelFunc) {
	ctx = r.Context()
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
