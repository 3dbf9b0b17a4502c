package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/pathsift/internal/source"
)

// mockTaskStore is a map-backed Store for tests, with injectable failures.
type mockTaskStore struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	getErr error
	putErr error
}

func newMockTaskStore() *mockTaskStore {
	return &mockTaskStore{tasks: make(map[string]*Task)}
}

func (m *mockTaskStore) Get(_ context.Context, id string) (*Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

func (m *mockTaskStore) List(_ context.Context) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockTaskStore) Put(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

// closeSink wraps collectSink with the Close half of the artifact contract.
type closeSink struct {
	collectSink
	closeErr error
	closed   bool
}

func (s *closeSink) Close() error {
	s.closed = true
	return s.closeErr
}

type doneRecorder struct {
	mu    sync.Mutex
	tasks []*Task
}

func (d *doneRecorder) TaskDone(_ context.Context, t *Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := *t
	d.tasks = append(d.tasks, &cp)
}

func fixedTable(rows int) *source.Table {
	tbl := &source.Table{Columns: []string{"description", "host"}}
	for i := 0; i < rows; i++ {
		tbl.Rows = append(tbl.Rows, map[string]string{
			"description": "dropped /var/lib/payload.bin",
			"host":        "srv-01",
		})
	}
	return tbl
}

func newTestService(t *testing.T, store Store, ex Extractor, sink *closeSink, tbl *source.Table) *Service {
	t.Helper()
	engine := NewEngine(ex, NewValidator("<no path>"), 2, log.Nop(), EngineHooks{})
	return NewService(store, engine, ServiceOptions{
		UploadDir: filepath.Join(t.TempDir(), "uploads"),
		OutputDir: filepath.Join(t.TempDir(), "runs"),
		LoadTable: func(string) (*source.Table, error) { return tbl, nil },
		NewSink:   func(string) (RecordSinkCloser, error) { return sink, nil },
		Logger:    log.Nop(),
	})
}

func seedTask(store *mockTaskStore, id string, status Status) *Task {
	t := &Task{
		ID:         id,
		Filename:   "alerts.xlsx",
		SourcePath: "/nonexistent/" + id + ".xlsx",
		Status:     status,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	store.tasks[id] = t
	return t
}

func waitTerminal(t *testing.T, store Store, id string) *Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("task %s never reached a terminal status", id)
		default:
		}
		task, ok, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if ok && task.Status.Terminal() {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCreate_StoresUploadAndTask(t *testing.T) {
	t.Parallel()

	store := newMockTaskStore()
	svc := newTestService(t, store, &mockExtractor{}, &closeSink{}, fixedTable(1))

	task, err := svc.Create(context.Background(), "Q3 Alerts.XLSX", strings.NewReader("workbook bytes"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if task.ID == "" {
		t.Error("expected a generated task ID")
	}
	if task.Status != StatusUploaded {
		t.Errorf("status = %q, want %q", task.Status, StatusUploaded)
	}
	if task.Filename != "Q3 Alerts.XLSX" {
		t.Errorf("filename = %q", task.Filename)
	}
	data, err := os.ReadFile(task.SourcePath)
	if err != nil {
		t.Fatalf("uploaded file not stored: %v", err)
	}
	if string(data) != "workbook bytes" {
		t.Errorf("stored content = %q", data)
	}
	if !strings.HasSuffix(task.SourcePath, task.ID+".xlsx") {
		t.Errorf("upload path %q not keyed by task ID", task.SourcePath)
	}
}

func TestCreate_RejectsNonSpreadsheet(t *testing.T) {
	t.Parallel()

	store := newMockTaskStore()
	svc := newTestService(t, store, &mockExtractor{}, &closeSink{}, fixedTable(1))

	for _, name := range []string{"alerts.csv", "alerts.xls", "alerts", "alerts.xlsx.exe"} {
		if _, err := svc.Create(context.Background(), name, strings.NewReader("x")); err == nil {
			t.Errorf("Create(%q) accepted, want error", name)
		}
	}
	if len(store.tasks) != 0 {
		t.Errorf("rejected uploads registered %d tasks", len(store.tasks))
	}
}

func TestStart_RunsToCompletion(t *testing.T) {
	t.Parallel()

	store := newMockTaskStore()
	sink := &closeSink{}
	done := &doneRecorder{}
	svc := newTestService(t, store, &mockExtractor{}, sink, fixedTable(6))
	svc.opts.Notifier = done

	seedTask(store, "t1", StatusUploaded)

	task, err := svc.Start(context.Background(), "t1", StartOptions{Columns: []string{"description"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if task.Status != StatusProcessing {
		t.Errorf("status after Start = %q, want %q", task.Status, StatusProcessing)
	}
	if task.TotalRows != 6 {
		t.Errorf("TotalRows = %d, want 6", task.TotalRows)
	}

	final := waitTerminal(t, store, "t1")
	if final.Status != StatusCompleted {
		t.Fatalf("final status = %q (error %q), want %q", final.Status, final.Error, StatusCompleted)
	}
	if final.ProcessedRows != 6 || final.ValidCount != 6 {
		t.Errorf("counts = processed %d valid %d, want 6/6", final.ProcessedRows, final.ValidCount)
	}
	if final.ProcessedRows != final.ValidCount+final.InvalidCount+final.SkippedCount {
		t.Error("counts invariant broken")
	}
	if final.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
	if !sink.closed {
		t.Error("artifact sink never closed")
	}

	done.mu.Lock()
	notified := len(done.tasks)
	done.mu.Unlock()
	if notified != 1 {
		t.Errorf("notifier called %d times, want 1", notified)
	}
	if svc.ActiveRuns() != 0 {
		t.Errorf("ActiveRuns = %d after completion, want 0", svc.ActiveRuns())
	}
}

func TestStart_MissingTask(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, newMockTaskStore(), &mockExtractor{}, &closeSink{}, fixedTable(1))
	_, err := svc.Start(context.Background(), "ghost", StartOptions{Columns: []string{"description"}})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStart_RejectsNonUploadedStatus(t *testing.T) {
	t.Parallel()

	for _, status := range []Status{StatusProcessing, StatusCompleted, StatusFailed} {
		store := newMockTaskStore()
		svc := newTestService(t, store, &mockExtractor{}, &closeSink{}, fixedTable(1))
		seedTask(store, "t1", status)

		_, err := svc.Start(context.Background(), "t1", StartOptions{Columns: []string{"description"}})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Start in status %q: err = %v, want ErrInvalidTransition", status, err)
		}
	}
}

func TestStart_ConfigErrorsFailTask(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    StartOptions
		tbl     *source.Table
		loadErr error
		wantMsg string
	}{
		{
			name:    "no columns selected",
			opts:    StartOptions{},
			tbl:     fixedTable(1),
			wantMsg: "no columns",
		},
		{
			name:    "unknown column",
			opts:    StartOptions{Columns: []string{"description", "severity"}},
			tbl:     fixedTable(1),
			wantMsg: "unknown columns: severity",
		},
		{
			name:    "empty source",
			opts:    StartOptions{Columns: []string{"description"}},
			tbl:     &source.Table{Columns: []string{"description"}},
			wantMsg: "no data rows",
		},
		{
			name:    "unreadable source",
			opts:    StartOptions{Columns: []string{"description"}},
			loadErr: errors.New("zip: not a valid zip file"),
			wantMsg: "parse source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := newMockTaskStore()
			svc := newTestService(t, store, &mockExtractor{}, &closeSink{}, tt.tbl)
			if tt.loadErr != nil {
				svc.opts.LoadTable = func(string) (*source.Table, error) { return nil, tt.loadErr }
			}
			seedTask(store, "t1", StatusUploaded)

			task, err := svc.Start(context.Background(), "t1", tt.opts)
			if err == nil {
				t.Fatal("expected config error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("err = %q, want substring %q", err, tt.wantMsg)
			}
			if task == nil || task.Status != StatusFailed {
				t.Fatalf("task = %+v, want status failed returned to caller", task)
			}

			stored, _, _ := store.Get(context.Background(), "t1")
			if stored.Status != StatusFailed {
				t.Errorf("stored status = %q, want %q", stored.Status, StatusFailed)
			}
			if !strings.Contains(stored.Error, tt.wantMsg) {
				t.Errorf("stored error = %q, want substring %q", stored.Error, tt.wantMsg)
			}
		})
	}
}

func TestStart_SinkFailureFailsTask(t *testing.T) {
	t.Parallel()

	store := newMockTaskStore()
	svc := newTestService(t, store, &mockExtractor{}, &closeSink{}, fixedTable(2))
	svc.opts.NewSink = func(string) (RecordSinkCloser, error) {
		return nil, errors.New("disk full")
	}
	seedTask(store, "t1", StatusUploaded)

	if _, err := svc.Start(context.Background(), "t1", StartOptions{Columns: []string{"description"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitTerminal(t, store, "t1")
	if final.Status != StatusFailed {
		t.Fatalf("final status = %q, want %q", final.Status, StatusFailed)
	}
	if !strings.Contains(final.Error, "create artifacts") {
		t.Errorf("error = %q, want artifact failure", final.Error)
	}
}

func TestStart_CloseFailurePromotesToFailed(t *testing.T) {
	t.Parallel()

	store := newMockTaskStore()
	sink := &closeSink{closeErr: errors.New("write: no space left on device")}
	svc := newTestService(t, store, &mockExtractor{}, sink, fixedTable(2))
	seedTask(store, "t1", StatusUploaded)

	if _, err := svc.Start(context.Background(), "t1", StartOptions{Columns: []string{"description"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitTerminal(t, store, "t1")
	if final.Status != StatusFailed {
		t.Fatalf("final status = %q, want %q (artifact save failed)", final.Status, StatusFailed)
	}
	if !strings.Contains(final.Error, "save artifacts") {
		t.Errorf("error = %q", final.Error)
	}
}

func TestCancel_ActiveRunCompletesWithSkips(t *testing.T) {
	t.Parallel()

	store := newMockTaskStore()
	sink := &closeSink{}
	ex := &blockingExtractor{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	engine := NewEngine(ex, NewValidator("<no path>"), 1, log.Nop(), EngineHooks{})
	svc := NewService(store, engine, ServiceOptions{
		UploadDir: t.TempDir(),
		OutputDir: t.TempDir(),
		LoadTable: func(string) (*source.Table, error) { return fixedTable(5), nil },
		NewSink:   func(string) (RecordSinkCloser, error) { return sink, nil },
		Logger:    log.Nop(),
	})
	seedTask(store, "t1", StatusUploaded)

	if _, err := svc.Start(context.Background(), "t1", StartOptions{Columns: []string{"description"}}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-ex.started
	if err := svc.Cancel(context.Background(), "t1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(ex.release)

	final := waitTerminal(t, store, "t1")
	if final.Status != StatusCompleted {
		t.Fatalf("final status = %q (error %q), want completed with partial output", final.Status, final.Error)
	}
	if final.ProcessedRows != 5 {
		t.Errorf("ProcessedRows = %d, want 5", final.ProcessedRows)
	}
	if final.SkippedCount == 0 {
		t.Error("expected cancelled rows counted as skipped")
	}
	if final.ProcessedRows != final.ValidCount+final.InvalidCount+final.SkippedCount {
		t.Error("counts invariant broken")
	}
}

func TestCancel_NoActiveRun(t *testing.T) {
	t.Parallel()

	store := newMockTaskStore()
	svc := newTestService(t, store, &mockExtractor{}, &closeSink{}, fixedTable(1))

	if err := svc.Cancel(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing task: err = %v, want ErrNotFound", err)
	}

	seedTask(store, "orphan", StatusProcessing)
	if err := svc.Cancel(context.Background(), "orphan"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("processing without run: err = %v, want ErrNotRunning", err)
	}

	seedTask(store, "fresh", StatusUploaded)
	if err := svc.Cancel(context.Background(), "fresh"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("uploaded task: err = %v, want ErrInvalidTransition", err)
	}

	seedTask(store, "done", StatusCompleted)
	if err := svc.Cancel(context.Background(), "done"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("completed task: err = %v, want ErrInvalidTransition", err)
	}
}

func TestReconcile_FailsOrphanedTasks(t *testing.T) {
	t.Parallel()

	store := newMockTaskStore()
	svc := newTestService(t, store, &mockExtractor{}, &closeSink{}, fixedTable(1))

	seedTask(store, "stuck", StatusProcessing)
	seedTask(store, "fresh", StatusUploaded)
	seedTask(store, "done", StatusCompleted)

	if err := svc.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	stuck, _, _ := store.Get(context.Background(), "stuck")
	if stuck.Status != StatusFailed {
		t.Errorf("stuck task status = %q, want %q", stuck.Status, StatusFailed)
	}
	if stuck.Error != "interrupted by restart" {
		t.Errorf("stuck task error = %q", stuck.Error)
	}

	fresh, _, _ := store.Get(context.Background(), "fresh")
	if fresh.Status != StatusUploaded {
		t.Errorf("fresh task status changed to %q", fresh.Status)
	}
	done, _, _ := store.Get(context.Background(), "done")
	if done.Status != StatusCompleted {
		t.Errorf("completed task status changed to %q", done.Status)
	}
}

func TestList_NewestFirst(t *testing.T) {
	t.Parallel()

	store := newMockTaskStore()
	svc := newTestService(t, store, &mockExtractor{}, &closeSink{}, fixedTable(1))

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		task := seedTask(store, id, StatusUploaded)
		task.CreatedAt = base.Add(time.Duration(i) * time.Minute)
	}

	tasks, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3", len(tasks))
	}
	for i := 1; i < len(tasks); i++ {
		if tasks[i].CreatedAt.After(tasks[i-1].CreatedAt) {
			t.Fatal("tasks not sorted newest first")
		}
	}
}

func TestColumns(t *testing.T) {
	t.Parallel()

	store := newMockTaskStore()
	svc := newTestService(t, store, &mockExtractor{}, &closeSink{}, fixedTable(1))
	seedTask(store, "t1", StatusUploaded)

	cols, err := svc.Columns(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Columns: %v", err)
	}
	if len(cols) != 2 || cols[0] != "description" || cols[1] != "host" {
		t.Errorf("columns = %v", cols)
	}

	if _, err := svc.Columns(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
