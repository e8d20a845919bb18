package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"

	"github.com/hakulab/haku/pkg/events"
	"github.com/hakulab/haku/pkg/host"
	"github.com/hakulab/haku/pkg/log"
	"github.com/hakulab/haku/pkg/metrics"
	"github.com/hakulab/haku/pkg/resolver"
	"github.com/hakulab/haku/pkg/storage"
	"github.com/hakulab/haku/pkg/types"
)

// Server is the host's JSON control surface.
type Server struct {
	coord  *host.Coordinator
	broker *events.Broker
	srv    *http.Server
}

// NewServer builds the server on addr.
func NewServer(addr string, coord *host.Coordinator, broker *events.Broker) *Server {
	s := &Server{coord: coord, broker: broker}
	s.srv = &http.Server{
		Addr:    addr,
		Handler: handlers.CombinedLoggingHandler(log.Writer(), s.Handler()),
	}
	return s
}

// Handler assembles the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /status", s.handleStatus)
	mux.HandleFunc("POST /submit", s.handleSubmit)
	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("GET /task/{id}", s.handleGetTask)
	mux.HandleFunc("POST /task/{id}/kill", s.lifecycle(s.coord.Kill))
	mux.HandleFunc("POST /task/{id}/pause", s.lifecycle(s.coord.Pause))
	mux.HandleFunc("POST /task/{id}/resume", s.lifecycle(s.coord.Resume))
	mux.HandleFunc("POST /task/{id}/save-env", s.handleSaveEnv)
	mux.HandleFunc("GET /task/{id}/stdout", s.handleLog("stdout"))
	mux.HandleFunc("GET /task/{id}/stderr", s.handleLog("stderr"))
	mux.HandleFunc("GET /nodes", s.handleNodes)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.Handle("GET /ready", metrics.ReadyHandler())
	mux.Handle("GET /live", metrics.LivenessHandler())

	return instrument(mux)
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	log.WithComponent("api").Info().Str("addr", s.srv.Addr).Msg("control surface listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps error kinds onto status codes: validation 400, not found
// 404, illegal transition 409, everything else 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	var verr *resolver.ValidationError
	var illegal *host.IllegalTransitionError
	switch {
	case errors.Is(err, storage.ErrTaskNotFound), errors.Is(err, storage.ErrNodeNotFound):
		status = http.StatusNotFound
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.As(err, &illegal):
		status = http.StatusConflict
	}

	writeJSON(w, status, types.ErrorResponse{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return &resolver.ValidationError{Reason: "malformed request body"}
	}
	return nil
}

func taskID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, &resolver.ValidationError{Reason: "task id must be an integer"}
	}
	return id, nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.coord.Register(&req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.coord.Heartbeat(&req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var update types.StatusUpdate
	if err := decode(r, &update); err != nil {
		writeError(w, err)
		return
	}
	if err := s.coord.IngestStatus(&update); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.coord.Submit(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.coord.Tasks(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	task, err := s.coord.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) lifecycle(op func(int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := taskID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := op(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) handleSaveEnv(w http.ResponseWriter, r *http.Request) {
	id, err := taskID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req types.SaveEnvRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.coord.SaveEnv(id, req.Name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLog(stream string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := taskID(r)
		if err != nil {
			writeError(w, err)
			return
		}
		rc, err := s.coord.FetchLog(id, stream)
		if err != nil {
			writeError(w, err)
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.Copy(w, rc)
	}
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.coord.Nodes()
	if err != nil {
		writeError(w, err)
		return
	}
	if nodes == nil {
		nodes = []types.NodeSummary{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.coord.Health()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEvents streams broker events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, fmt.Errorf("streaming unsupported"))
		return
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case ev := <-sub:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
