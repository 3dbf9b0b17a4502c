package extract

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// Extractor is the interface for the inference client. It returns the raw
// extracted text (unvalidated) and the attempt count; on permanent failure
// the attempt count still reflects every try made.
type Extractor interface {
	Extract(ctx context.Context, input string) (output string, attempts int, err error)
}

// EngineHooks are optional callbacks for instrumentation.
type EngineHooks struct {
	// OnRow fires once per terminal row outcome.
	OnRow func(valid bool, reason Reason, attempts int, duration float64)

	// OnComplete fires once per engine run.
	OnComplete func(e *CompleteEvent)
}

// CompleteEvent summarizes one finished engine run.
type CompleteEvent struct {
	Counts    Counts
	Cancelled bool
	Duration  float64
}

// RunOptions tune a single run.
type RunOptions struct {
	// MaxRows caps how many rows are dispatched, in source order.
	// Rows beyond the cap are reported as skipped. 0 means no cap.
	MaxRows int
}

// RunResult is the outcome of processing one task's row set.
type RunResult struct {
	Counts    Counts
	Cancelled bool
	Duration  float64
}

// Engine processes a task's rows with bounded parallelism: a fixed pool of
// workers drains a feed channel, each worker runs extract-then-validate for
// its row, and all outcomes funnel through a single aggregation channel so
// shared counters have exactly one writer.
type Engine struct {
	extractor Extractor
	validator *Validator
	workers   int
	logger    log.Logger
	hooks     EngineHooks
}

// NewEngine creates an engine. workers is clamped to at least 1.
func NewEngine(extractor Extractor, validator *Validator, workers int, logger log.Logger, hooks EngineHooks) *Engine {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{
		extractor: extractor,
		validator: validator,
		workers:   workers,
		logger:    logger,
		hooks:     hooks,
	}
}

// Run processes rows and flushes every terminal record, in ascending row
// order, to sink. Cancelling ctx stops new dispatches; rows already in
// flight finish under the client's own timeout, and rows never dispatched
// are recorded with reason cancelled. Run returns only when every row is
// accounted for.
func (e *Engine) Run(ctx context.Context, taskID string, rows []Row, sink RecordSink, onProgress Progress, opts RunOptions) (*RunResult, error) {
	start := time.Now()
	L := e.logger.With("task_id", taskID)

	dispatchable := rows
	var capped []Row
	if opts.MaxRows > 0 && len(rows) > opts.MaxRows {
		dispatchable = rows[:opts.MaxRows]
		capped = rows[opts.MaxRows:]
	}

	feed := make(chan Row)
	outcomes := make(chan Record)

	var workers sync.WaitGroup
	workers.Add(e.workers)
	for i := 0; i < e.workers; i++ {
		go func() {
			defer workers.Done()
			for row := range feed {
				outcomes <- e.processRow(ctx, L, row)
			}
		}()
	}

	// Rows never handed to a worker are recorded only after the dispatched
	// outcomes drain. Routing them through the outcomes channel up front
	// would park the whole tail in the reorder buffer; this keeps the
	// buffer bounded by the worker count, not the row count.
	var notDispatched []Row

	go func() {
		defer close(feed)
		for i, row := range dispatchable {
			select {
			case feed <- row:
				L.Info(ctx, "row dispatched", "row", row.Index)
			case <-ctx.Done():
				// Cancellation: everything not yet handed to a worker
				// is terminal with reason cancelled, never dropped.
				notDispatched = dispatchable[i:]
				return
			}
		}
	}()

	go func() {
		workers.Wait()
		close(outcomes)
	}()

	agg := newAggregator(sink, onProgress)
	for rec := range outcomes {
		if err := agg.add(rec); err != nil {
			// Drain remaining outcomes so the workers can exit.
			for range outcomes {
			}
			return nil, err
		}
	}

	// Every dispatched index has flushed, so these append in ascending
	// order and flush immediately.
	for _, row := range notDispatched {
		if err := agg.add(e.undispatched(row, ReasonCancelled)); err != nil {
			return nil, err
		}
	}
	for _, row := range capped {
		if err := agg.add(e.undispatched(row, ReasonSkipped)); err != nil {
			return nil, err
		}
	}

	if !agg.drained() {
		L.Warn(ctx, "aggregator left rows pending", "pending", len(agg.pending))
	}

	rr := &RunResult{
		Counts:    agg.counts,
		Cancelled: ctx.Err() != nil,
		Duration:  time.Since(start).Seconds(),
	}

	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(&CompleteEvent{Counts: rr.Counts, Cancelled: rr.Cancelled, Duration: rr.Duration})
	}

	L.Info(ctx, "run complete",
		"processed", rr.Counts.Processed,
		"valid", rr.Counts.Valid,
		"invalid", rr.Counts.Invalid,
		"skipped", rr.Counts.Skipped,
		"cancelled", rr.Cancelled,
		"duration", rr.Duration,
	)
	return rr, nil
}

// undispatched builds the terminal record for a row that never reached a
// worker (beyond the row cap, or not yet started at cancellation).
func (e *Engine) undispatched(row Row, reason Reason) Record {
	if e.hooks.OnRow != nil {
		e.hooks.OnRow(false, reason, 0, 0)
	}
	return Record{Index: row.Index, Input: row.Text, Reason: reason}
}

// processRow runs one row to its terminal outcome. Cancellation lets the
// inference attempt already in flight finish, bounded by the client timeout,
// but the client starts no further attempts for the row.
func (e *Engine) processRow(ctx context.Context, L log.Logger, row Row) Record {
	start := time.Now()

	// Nothing to extract from: classify directly, skip the network call.
	if strings.TrimSpace(row.Text) == "" {
		rec := Record{Index: row.Index, Input: row.Text, Reason: ReasonNoPathFound}
		if e.hooks.OnRow != nil {
			e.hooks.OnRow(false, rec.Reason, 0, time.Since(start).Seconds())
		}
		return rec
	}

	out, attempts, err := e.extractor.Extract(ctx, row.Text)

	rec := Record{Index: row.Index, Input: row.Text, Attempts: attempts}
	if err != nil {
		rec.Reason = ReasonExtractionFailed
		L.Warn(ctx, "row extraction failed", "row", row.Index, "attempts", attempts, "error", err.Error())
	} else {
		rec.Raw = out
		cl := e.validator.Classify(out)
		rec.Valid = cl.Valid
		rec.Path = cl.Path
		rec.Reason = cl.Reason
		L.Info(ctx, "row outcome",
			"row", row.Index,
			"valid", cl.Valid,
			"reason", string(cl.Reason),
			"attempts", attempts,
		)
	}

	if e.hooks.OnRow != nil {
		e.hooks.OnRow(rec.Valid, rec.Reason, attempts, time.Since(start).Seconds())
	}
	return rec
}
