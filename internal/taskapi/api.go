// Package taskapi exposes the extraction task lifecycle over HTTP.
package taskapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/pathsift/internal/extract"
)

// TaskService defines the business operations taskapi needs.
type TaskService interface {
	Create(ctx context.Context, filename string, src io.Reader) (*extract.Task, error)
	Get(ctx context.Context, id string) (*extract.Task, error)
	List(ctx context.Context) ([]*extract.Task, error)
	Columns(ctx context.Context, id string) ([]string, error)
	Start(ctx context.Context, id string, opts extract.StartOptions) (*extract.Task, error)
	Cancel(ctx context.Context, id string) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    TaskService
}

// New creates a new API handler.
func New(logger log.Logger, svc TaskService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("task service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/tasks", func(r chi.Router) {
		r.Post("/", a.handleCreateTask)
		r.Get("/", a.handleListTasks)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetTask)
			r.Get("/columns", a.handleGetColumns)
			r.Post("/start", a.handleStartTask)
			r.Post("/cancel", a.handleCancelTask)
			r.Get("/artifacts/{kind}", a.handleGetArtifact)
		})
	})
}

// startRequest is the JSON body of POST /tasks/{id}/start.
type startRequest struct {
	Columns        []string `json:"columns"`
	IgnoredColumns []string `json:"ignored_columns"`
	MaxRows        int      `json:"max_rows"`
}

func (a *API) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, `{"error":"multipart field 'file' is required"}`, http.StatusBadRequest)
		return
	}
	defer file.Close()

	t, err := a.svc.Create(r.Context(), header.Filename, file)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to create task", "filename", header.Filename)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("pathsift.task.id", t.ID))
	writeJSON(w, http.StatusCreated, t)
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := a.svc.List(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list tasks")
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []*extract.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("pathsift.task.id", id))

	t, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.respondError(w, r, err, "failed to get task", id)
		return
	}

	span.SetAttributes(attribute.String("pathsift.task.status", string(t.Status)))
	writeJSON(w, http.StatusOK, t)
}

func (a *API) handleGetColumns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cols, err := a.svc.Columns(r.Context(), id)
	if err != nil {
		a.respondError(w, r, err, "failed to read source columns", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"columns": cols})
}

func (a *API) handleStartTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}

	t, err := a.svc.Start(r.Context(), id, extract.StartOptions{
		Columns:        req.Columns,
		IgnoredColumns: req.IgnoredColumns,
		MaxRows:        req.MaxRows,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, t)
	case errors.Is(err, extract.ErrNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case errors.Is(err, extract.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case t != nil && t.Status == extract.StatusFailed:
		// Configuration problem: the task is terminally failed, tell the
		// caller what went wrong.
		writeJSON(w, http.StatusUnprocessableEntity, t)
	default:
		a.logger.Error(r.Context(), err, "failed to start task", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func (a *API) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := a.svc.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	case errors.Is(err, extract.ErrNotFound):
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
	case errors.Is(err, extract.ErrInvalidTransition), errors.Is(err, extract.ErrNotRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		a.logger.Error(r.Context(), err, "failed to cancel task", "id", id)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error, msg, id string) {
	if errors.Is(err, extract.ErrNotFound) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	a.logger.Error(r.Context(), err, msg, "id", id)
	http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}
