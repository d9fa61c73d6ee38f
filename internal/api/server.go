package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"comfyui-worker/internal/common/logger"
	"comfyui-worker/internal/handler"
)

// jobRunner is the handler slice the server drives.
type jobRunner interface {
	Handle(ctx context.Context, jobID string, rawInput json.RawMessage) handler.Result
}

// Server is the worker's HTTP surface. Job execution is serialized: the
// worker fronts a single ComfyUI instance and interleaving prompts only
// makes both slower.
type Server struct {
	runner  jobRunner
	store   Store
	log     logger.Logger
	router  *mux.Router
	started time.Time

	runMu sync.Mutex
}

func NewServer(runner jobRunner, store Store, log logger.Logger) *Server {
	s := &Server{
		runner:  runner,
		store:   store,
		log:     log,
		started: time.Now(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/run", s.handleRun).Methods(http.MethodPost)
	r.HandleFunc("/runsync", s.handleRunSync).Methods(http.MethodPost)
	r.HandleFunc("/status/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router = r

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// envelope is the submission body: the job input wrapped under "input".
type envelope struct {
	Input json.RawMessage `json:"input"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	input, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}

	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		Input:     input,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Put(r.Context(), job); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to store job")
		return
	}

	// Capture the response fields before handing the job to the runner
	// goroutine, which mutates the job as it progresses.
	id, status := job.ID, job.Status
	go s.runJob(job)

	s.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": string(status),
	})
}

func (s *Server) handleRunSync(w http.ResponseWriter, r *http.Request) {
	input, ok := s.decodeEnvelope(w, r)
	if !ok {
		return
	}

	job := &Job{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		Input:     input,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Put(r.Context(), job); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to store job")
		return
	}

	s.runJob(job)

	finished, err := s.store.Get(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load job result")
		return
	}
	s.writeJSON(w, http.StatusOK, finished)
}

// runJob executes one job under the run lock and records both transitions.
func (s *Server) runJob(job *Job) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	ctx := context.Background()

	job.Status = StatusRunning
	if err := s.store.Put(ctx, job); err != nil {
		s.log.WithError(err).Error("failed to mark job running", map[string]interface{}{"job_id": job.ID})
	}

	result := s.runner.Handle(ctx, job.ID, job.Input)

	now := time.Now().UTC()
	job.CompletedAt = &now
	if result.Failed() {
		job.Status = StatusFailed
		job.Error = result.Error
	} else {
		job.Status = StatusCompleted
		job.Output = result.Output
	}

	if err := s.store.Put(ctx, job); err != nil {
		s.log.WithError(err).Error("failed to store job result", map[string]interface{}{"job_id": job.ID})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	job, err := s.store.Get(r.Context(), id)
	if errors.Is(err, ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "no such job")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.started).String(),
	})
}

func (s *Server) decodeEnvelope(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	var env envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		s.writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return nil, false
	}
	if len(env.Input) == 0 {
		s.writeError(w, http.StatusBadRequest, "request is missing the input object")
		return nil, false
	}
	return env.Input, true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Error("failed to write response", nil)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
