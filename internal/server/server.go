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

	"focusstack/internal/pipeline"
	"focusstack/internal/storage"
	"focusstack/internal/web"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Queue is the part of the pipeline the server drives.
type Queue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes the job queue over HTTP, server-sent events and websockets.
type Server struct {
	addr   string
	store  *storage.Store
	queue  Queue
	hub    *web.Hub
	log    *slog.Logger
	server *http.Server
}

// NewServer creates a server. store may be nil, in which case job history
// endpoints report 503.
func NewServer(addr string, store *storage.Store, queue Queue, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:  addr,
		store: store,
		queue: queue,
		hub:   web.NewHub(log),
		log:   log,
	}
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.relay(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Serve is a shorthand for NewServer(...).Start(ctx).
func Serve(ctx context.Context, addr string, store *storage.Store, queue Queue, log *slog.Logger) error {
	return NewServer(addr, store, queue, log).Start(ctx)
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleDashboard).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/frames", s.handleFrames).Methods("GET")
	r.HandleFunc("/images/metadata", s.handleImageMetadata).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.Handle("/ws", s.hub).Methods("GET")
	return r
}

// relay forwards every job result to websocket clients.
func (s *Server) relay(ctx context.Context) {
	results, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			payload, err := json.Marshal(newResultEvent(res))
			if err != nil {
				s.log.Warn("could not encode job result", "job_id", res.Job.ID, "error", err)
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

// resultEvent is the wire form of a pipeline result.
type resultEvent struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Input  string         `json:"input"`
	Output string         `json:"output"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func newResultEvent(res pipeline.Result) resultEvent {
	ev := resultEvent{
		ID:     res.Job.ID,
		Type:   string(res.Job.Type),
		Status: "completed",
		Input:  res.Job.InputPath,
		Output: res.Job.Output,
		Meta:   res.Meta,
	}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

// submitRequest is the body of POST /jobs.
type submitRequest struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	typ, err := pipeline.ParseJobType(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Input == "" && typ != pipeline.JobStack {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	job := pipeline.Job{ID: req.ID, Type: typ, InputPath: req.Input, Output: req.Output, Options: req.Options}
	if err := s.queue.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), status)
		return
	}
	s.log.Info("job submitted", "job_id", job.ID, "type", job.Type, "input", job.InputPath)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": "queued"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
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
	writeJSON(w, http.StatusOK, recs)
}

// jobDetail is the body of GET /jobs/{id}.
type jobDetail struct {
	Job      storage.JobRecord              `json:"job"`
	Meta     map[string]any                 `json:"meta,omitempty"`
	Frames   []storage.FrameAlignmentRecord `json:"frames"`
	Degraded int                            `json:"degraded"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	detail := jobDetail{Job: rec}
	if detail.Meta, err = s.store.JobMeta(id); err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.log.Warn("could not read job meta", "job_id", id, "error", err)
	}
	if detail.Frames, err = s.store.FrameAlignments(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, f := range detail.Frames {
		if f.Outcome == "fallback" {
			detail.Degraded++
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	frames, err := s.store.FrameAlignments(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("degraded") == "true" {
		kept := frames[:0]
		for _, f := range frames {
			if f.Outcome == "fallback" {
				kept = append(kept, f)
			}
		}
		frames = kept
	}
	writeJSON(w, http.StatusOK, frames)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newResultEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		http.Error(w, "job history not available", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
