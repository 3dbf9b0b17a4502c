package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/pathsift/internal/source"
)

// Sentinel errors for callers that need to map failures to responses.
var (
	// ErrNotFound means no task exists with the given ID.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidTransition means the requested operation is not allowed
	// in the task's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotRunning means a cancel was requested for a task with no
	// active run.
	ErrNotRunning = errors.New("task is not running")
)

// StartOptions configure one extraction run.
type StartOptions struct {
	// Columns are the source columns assembled into each row's input.
	// At least one is required.
	Columns []string

	// IgnoredColumns are dropped from assembly; values that look like
	// key=value filter expressions have these keys stripped.
	IgnoredColumns []string

	// MaxRows caps how many rows are dispatched. 0 uses the service
	// default; a negative value disables the cap.
	MaxRows int
}

// SinkFactory builds the artifact sink for one run's output directory.
type SinkFactory func(dir string) (RecordSinkCloser, error)

// TableLoader parses an uploaded source file.
type TableLoader func(path string) (*source.Table, error)

// Notifier is told about every task that reaches a terminal status.
type Notifier interface {
	TaskDone(ctx context.Context, t *Task)
}

// ServiceOptions bundle the service's collaborators and tuning.
type ServiceOptions struct {
	UploadDir      string
	OutputDir      string
	DefaultMaxRows int
	LoadTable      TableLoader
	NewSink        SinkFactory
	Logger         log.Logger
	Metrics        *Metrics
	Notifier       Notifier
}

// Service is the business boundary for extraction tasks: it owns upload
// persistence, the status lifecycle, async dispatch, and cancellation.
type Service struct {
	store  Store
	engine *Engine
	opts   ServiceOptions
	logger log.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewService creates a service. LoadTable defaults to source.ReadXLSX.
func NewService(store Store, engine *Engine, opts ServiceOptions) *Service {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.LoadTable == nil {
		opts.LoadTable = source.ReadXLSX
	}
	return &Service{
		store:   store,
		engine:  engine,
		opts:    opts,
		logger:  opts.Logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Create stores an uploaded source file and registers a task in status
// uploaded. The file is written under the upload directory keyed by the
// task ID, not the client-supplied name.
func (s *Service) Create(ctx context.Context, filename string, src io.Reader) (*Task, error) {
	if !strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		return nil, fmt.Errorf("unsupported file type %q, want .xlsx", filepath.Ext(filename))
	}

	id := ulid.Make().String()
	if err := os.MkdirAll(s.opts.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}

	path := filepath.Join(s.opts.UploadDir, id+".xlsx")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("store upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("store upload: %w", err)
	}

	now := time.Now()
	t := &Task{
		ID:         id,
		Filename:   filepath.Base(filename),
		SourcePath: path,
		Status:     StatusUploaded,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Put(ctx, t); err != nil {
		os.Remove(path)
		return nil, err
	}

	s.logger.Info(ctx, "task created", "task_id", id, "filename", t.Filename)
	return t, nil
}

// Get retrieves a task by ID.
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	t, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// List returns all known tasks, newest first.
func (s *Service) List(ctx context.Context) ([]*Task, error) {
	tasks, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks, nil
}

// Columns parses a task's source file and returns its header columns, so a
// caller can choose a selection before starting.
func (s *Service) Columns(ctx context.Context, id string) ([]string, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tbl, err := s.opts.LoadTable(t.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("parse source: %w", err)
	}
	return tbl.Columns, nil
}

// Start validates the run configuration, transitions the task to processing
// and launches the run in the background. Configuration problems fail the
// task; a task not in status uploaded is rejected with ErrInvalidTransition.
func (s *Service) Start(ctx context.Context, id string, opts StartOptions) (*Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, StatusProcessing) {
		s.countStart("rejected")
		return nil, fmt.Errorf("start task %s in status %s: %w", id, t.Status, ErrInvalidTransition)
	}

	if len(opts.Columns) == 0 {
		return s.failTask(ctx, t, "no columns selected")
	}

	tbl, err := s.opts.LoadTable(t.SourcePath)
	if err != nil {
		return s.failTask(ctx, t, fmt.Sprintf("parse source: %v", err))
	}
	if missing := tbl.HasColumns(opts.Columns); len(missing) > 0 {
		return s.failTask(ctx, t, fmt.Sprintf("unknown columns: %s", strings.Join(missing, ", ")))
	}
	if len(tbl.Rows) == 0 {
		return s.failTask(ctx, t, "source file has no data rows")
	}

	outDir := filepath.Join(s.opts.OutputDir, t.ID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return s.failTask(ctx, t, fmt.Sprintf("create output dir: %v", err))
	}

	rows := make([]Row, len(tbl.Rows))
	for i, r := range tbl.Rows {
		rows[i] = Row{Index: i, Text: source.AssembleInput(r, opts.Columns, opts.IgnoredColumns)}
	}

	maxRows := opts.MaxRows
	if maxRows == 0 {
		maxRows = s.opts.DefaultMaxRows
	}
	if maxRows < 0 {
		maxRows = 0
	}

	t.Status = StatusProcessing
	t.OutputDir = outDir
	t.TotalRows = len(rows)
	t.StartedAt = time.Now()
	t.UpdatedAt = t.StartedAt
	if err := s.store.Put(ctx, t); err != nil {
		return nil, err
	}

	// Detach from the request context: the run outlives the HTTP call
	// and is cancelled only via Cancel or shutdown.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancels[t.ID] = cancel
	s.mu.Unlock()

	s.countStart("started")
	go s.run(runCtx, t.ID, rows, maxRows)

	return t, nil
}

// Cancel stops an active run. Rows already handed to workers finish; rows
// never dispatched become terminal with reason cancelled, and the task still
// completes with full counts.
func (s *Service) Cancel(ctx context.Context, id string) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if !ok {
		if t.Status == StatusProcessing {
			// Processing in the store but no local run: another
			// instance owns it, or we restarted mid-run.
			return ErrNotRunning
		}
		return fmt.Errorf("cancel task %s in status %s: %w", id, t.Status, ErrInvalidTransition)
	}

	cancel()
	if s.opts.Metrics != nil {
		s.opts.Metrics.CancelsTotal.Inc()
	}
	s.logger.Info(ctx, "task cancel requested", "task_id", id)
	return nil
}

// CancelAll cancels every active run. Used during shutdown so in-flight
// tasks drain to a terminal status instead of being killed mid-write.
func (s *Service) CancelAll(ctx context.Context) {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if len(cancels) > 0 {
		s.logger.Info(ctx, "cancelled active runs for shutdown", "count", len(cancels))
	}
}

// ActiveRuns reports how many runs have not yet reached a terminal status.
func (s *Service) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

// Reconcile repairs state after a restart: tasks stuck in processing lost
// their in-memory run and can never finish, so they are marked failed.
// Callers re-upload and start again; partial artifacts are not trusted.
func (s *Service) Reconcile(ctx context.Context) error {
	tasks, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	for _, t := range tasks {
		if t.Status != StatusProcessing {
			continue
		}
		t.Status = StatusFailed
		t.Error = "interrupted by restart"
		t.CompletedAt = time.Now()
		t.UpdatedAt = t.CompletedAt
		if err := s.store.Put(ctx, t); err != nil {
			return fmt.Errorf("reconcile task %s: %w", t.ID, err)
		}
		if s.opts.Metrics != nil {
			s.opts.Metrics.ReconcileTotal.Inc()
		}
		s.logger.Warn(ctx, "marked orphaned task failed", "task_id", t.ID)
	}
	return nil
}

// failTask records a pre-dispatch configuration failure as the task's
// terminal state. The error is returned to the caller as well.
func (s *Service) failTask(ctx context.Context, t *Task, msg string) (*Task, error) {
	s.countStart("config_error")

	t.Status = StatusFailed
	t.Error = msg
	t.CompletedAt = time.Now()
	t.UpdatedAt = t.CompletedAt
	if err := s.store.Put(ctx, t); err != nil {
		return nil, err
	}

	s.logger.Warn(ctx, "task failed before dispatch", "task_id", t.ID, "error", msg)
	return t, fmt.Errorf("task %s: %s", t.ID, msg)
}

func (s *Service) run(ctx context.Context, id string, rows []Row, maxRows int) {
	defer func() {
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
	}()

	L := s.logger.With("task_id", id)

	t, ok, err := s.store.Get(ctx, id)
	if err != nil || !ok {
		L.Error(ctx, err, "failed to fetch task for run")
		return
	}

	sink, err := s.opts.NewSink(t.OutputDir)
	if err != nil {
		L.Error(ctx, err, "failed to create artifact sink")
		s.finish(ctx, t, nil, fmt.Sprintf("create artifacts: %v", err))
		return
	}

	onProgress := func(c Counts) {
		t.ProcessedRows = c.Processed
		t.ValidCount = c.Valid
		t.InvalidCount = c.Invalid
		t.SkippedCount = c.Skipped
		t.UpdatedAt = time.Now()
		if err := s.store.Put(ctx, t); err != nil {
			L.Error(ctx, err, "failed to persist progress")
		}
	}

	rr, runErr := s.engine.Run(ctx, id, rows, sink, onProgress, RunOptions{MaxRows: maxRows})

	if closeErr := sink.Close(); closeErr != nil {
		L.Error(ctx, closeErr, "failed to save artifacts")
		if runErr == nil {
			runErr = fmt.Errorf("save artifacts: %w", closeErr)
		}
	}

	if runErr != nil {
		s.finish(ctx, t, rr, runErr.Error())
		return
	}
	s.finish(ctx, t, rr, "")
}

// finish applies the terminal status, persists it and notifies. An empty
// errMsg means completed; cancellation still completes, with the remainder
// counted as skipped.
func (s *Service) finish(ctx context.Context, t *Task, rr *RunResult, errMsg string) {
	now := time.Now()
	if errMsg != "" {
		t.Status = StatusFailed
		t.Error = errMsg
	} else {
		t.Status = StatusCompleted
	}
	if rr != nil {
		t.ProcessedRows = rr.Counts.Processed
		t.ValidCount = rr.Counts.Valid
		t.InvalidCount = rr.Counts.Invalid
		t.SkippedCount = rr.Counts.Skipped
	}
	t.CompletedAt = now
	t.UpdatedAt = now

	if err := s.store.Put(ctx, t); err != nil {
		s.logger.Error(ctx, err, "failed to persist terminal task", "task_id", t.ID)
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.TasksTotal.WithLabelValues(string(t.Status)).Inc()
		if rr != nil {
			s.opts.Metrics.TaskDuration.WithLabelValues(string(t.Status)).Observe(rr.Duration)
		}
	}

	s.logger.Info(ctx, "task finished",
		"task_id", t.ID,
		"status", string(t.Status),
		"processed", t.ProcessedRows,
		"valid", t.ValidCount,
		"invalid", t.InvalidCount,
		"skipped", t.SkippedCount,
	)

	if s.opts.Notifier != nil {
		s.opts.Notifier.TaskDone(ctx, t)
	}
}

func (s *Service) countStart(result string) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.StartsTotal.WithLabelValues(result).Inc()
	}
}
