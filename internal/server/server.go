package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"platesolve/internal/pipeline"
	"platesolve/internal/solver"
	"platesolve/internal/storage"
)

// Orchestrator is the part of the solve pipeline the HTTP API drives.
type Orchestrator interface {
	Enqueue(req pipeline.Request) (string, error)
	Submit(ctx context.Context, req pipeline.Request) (solver.Result, error)
	Abort() bool
	State() pipeline.State
	Framework() string
	QueueLen() int
	Current() (pipeline.Job, bool)
	Subscribe() (<-chan pipeline.Event, func())
}

// ToolLister reports backend availability.
type ToolLister interface {
	StatusAll() []solver.ToolStatus
}

// Server exposes the solve pipeline over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline Orchestrator
	tools    ToolLister
	metrics  http.Handler
	log      *slog.Logger
	server   *http.Server
	hub      *hub
}

// Option configures a Server.
type Option func(*Server)

// WithTools adds backend availability to /status.
func WithTools(t ToolLister) Option {
	return func(s *Server) { s.tools = t }
}

// WithMetricsHandler serves h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// NewServer creates the HTTP server.
func NewServer(addr string, store *storage.Store, pipe Orchestrator, log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		log:      log,
		hub:      newHub(log),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.runBackground(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// runBackground starts the websocket hub and its event feed.
func (s *Server) runBackground(ctx context.Context) {
	go s.hub.run(ctx)
	go s.feedHub(ctx)
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/solve", s.handleSolve).Methods("POST")
	r.HandleFunc("/abort", s.handleAbort).Methods("POST")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/stream", s.handleEventStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods("GET")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statusResponse struct {
	State     string              `json:"state"`
	Framework string              `json:"framework"`
	Queue     int                 `json:"queue"`
	Current   string              `json:"current,omitempty"`
	Tools     []solver.ToolStatus `json:"tools,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		State:     s.pipeline.State().String(),
		Framework: s.pipeline.Framework(),
		Queue:     s.pipeline.QueueLen(),
	}
	if job, ok := s.pipeline.Current(); ok {
		resp.Current = job.ImagePath
	}
	if s.tools != nil {
		resp.Tools = s.tools.StatusAll()
	}
	writeJSON(w, http.StatusOK, resp)
}

type solveRequest struct {
	ImagePath    string `json:"imagePath"`
	UpdateHeader bool   `json:"updateHeader"`
	// Wait blocks the request until the result is available.
	Wait bool `json:"wait"`
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	var req solveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ImagePath == "" {
		http.Error(w, "imagePath is required", http.StatusBadRequest)
		return
	}
	pr := pipeline.Request{ImagePath: req.ImagePath, UpdateHeader: req.UpdateHeader}

	if req.Wait {
		res, err := s.pipeline.Submit(r.Context(), pr)
		if err != nil {
			s.solveError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	id, err := s.pipeline.Enqueue(pr)
	if err != nil {
		s.solveError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) solveError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	s.log.Warn("solve request failed", "error", err)
	http.Error(w, err.Error(), status)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": s.pipeline.Abort()})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

type jobResponse struct {
	storage.JobRecord
	Result json.RawMessage `json:"result,omitempty"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := jobResponse{JobRecord: job}
	if raw, err := s.store.JobResult(id); err == nil {
		resp.Result = raw
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	evCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("event: " + string(ev.Kind) + "\ndata: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
