package extract

import "fmt"

// RecordSink receives terminal records in strictly ascending row order.
// Valid records carry the extracted path; everything else carries a reason.
type RecordSink interface {
	AppendValid(rec Record) error
	AppendInvalid(rec Record) error
}

// RecordSinkCloser is a RecordSink that must be finalized once the last
// record has been flushed (e.g. to save output workbooks).
type RecordSinkCloser interface {
	RecordSink
	Close() error
}

// Progress is invoked with the running counters after each flushed record.
type Progress func(c Counts)

// aggregator buffers worker outcomes keyed by row index and flushes them to
// the sink in source order. It is the single consumer of the outcome channel,
// so no locking is needed; pending holds at most the in-flight window, not
// the whole row set.
type aggregator struct {
	sink       RecordSink
	onProgress Progress
	next       int
	pending    map[int]Record
	counts     Counts
}

func newAggregator(sink RecordSink, onProgress Progress) *aggregator {
	return &aggregator{
		sink:    sink,
		pending: make(map[int]Record),

		onProgress: onProgress,
	}
}

// add accepts one outcome and flushes every contiguous record starting at
// the next expected index. Duplicate indexes are a programming error.
func (a *aggregator) add(rec Record) error {
	if rec.Index < a.next {
		return fmt.Errorf("duplicate outcome for row %d", rec.Index)
	}
	if _, dup := a.pending[rec.Index]; dup {
		return fmt.Errorf("duplicate outcome for row %d", rec.Index)
	}
	a.pending[rec.Index] = rec

	for {
		r, ok := a.pending[a.next]
		if !ok {
			return nil
		}
		delete(a.pending, a.next)
		a.next++

		if err := a.flush(r); err != nil {
			return err
		}
	}
}

func (a *aggregator) flush(rec Record) error {
	a.counts.Processed++
	switch {
	case rec.Valid:
		a.counts.Valid++
		if err := a.sink.AppendValid(rec); err != nil {
			return fmt.Errorf("append valid row %d: %w", rec.Index, err)
		}
	case rec.Reason == ReasonSkipped || rec.Reason == ReasonCancelled:
		a.counts.Skipped++
		if err := a.sink.AppendInvalid(rec); err != nil {
			return fmt.Errorf("append skipped row %d: %w", rec.Index, err)
		}
	default:
		a.counts.Invalid++
		if err := a.sink.AppendInvalid(rec); err != nil {
			return fmt.Errorf("append invalid row %d: %w", rec.Index, err)
		}
	}

	if a.onProgress != nil {
		a.onProgress(a.counts)
	}
	return nil
}

// drained reports whether every accepted outcome has been flushed in order.
func (a *aggregator) drained() bool {
	return len(a.pending) == 0
}
