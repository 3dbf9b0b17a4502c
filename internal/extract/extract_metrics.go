package extract

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the extraction subsystem.
type Metrics struct {
	TasksTotal     *prometheus.CounterVec
	TaskDuration   *prometheus.HistogramVec
	TaskRows       prometheus.Histogram
	RowsTotal      *prometheus.CounterVec
	RowDuration    prometheus.Histogram
	RowAttempts    prometheus.Histogram
	ModelCalls     prometheus.Counter
	ModelRetries   prometheus.Counter
	StartsTotal    *prometheus.CounterVec
	CancelsTotal   prometheus.Counter
	ReconcileTotal prometheus.Counter
}

// NewMetrics registers and returns extraction metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathsift_tasks_total",
			Help: "Total finished tasks by final status.",
		}, []string{"status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pathsift_task_duration_seconds",
			Help:    "Duration of task runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~2048s
		}, []string{"status"}),
		TaskRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pathsift_task_rows",
			Help:    "Rows accounted per task run.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1 .. ~16384
		}),
		RowsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathsift_rows_total",
			Help: "Terminal row outcomes by classification.",
		}, []string{"outcome"}),
		RowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pathsift_row_duration_seconds",
			Help:    "Duration of extract-and-validate per row in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}),
		RowAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pathsift_row_attempts",
			Help:    "Inference attempts per row.",
			Buckets: prometheus.LinearBuckets(1, 1, 6), // 1 .. 6
		}),
		ModelCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pathsift_model_calls_total",
			Help: "Total inference service calls, retries included.",
		}),
		ModelRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pathsift_model_retries_total",
			Help: "Total inference retries after a transient failure.",
		}),
		StartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pathsift_starts_total",
			Help: "Task start requests by result.",
		}, []string{"result"}),
		CancelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pathsift_cancels_total",
			Help: "Task cancellation requests honored.",
		}),
		ReconcileTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pathsift_reconciled_tasks_total",
			Help: "Tasks found processing at startup and marked failed.",
		}),
	}

	reg.MustRegister(
		m.TasksTotal,
		m.TaskDuration,
		m.TaskRows,
		m.RowsTotal,
		m.RowDuration,
		m.RowAttempts,
		m.ModelCalls,
		m.ModelRetries,
		m.StartsTotal,
		m.CancelsTotal,
		m.ReconcileTotal,
	)

	return m
}

// Hooks returns an EngineHooks that increments the corresponding metrics.
func (m *Metrics) Hooks() EngineHooks {
	return EngineHooks{
		OnRow: func(valid bool, reason Reason, attempts int, duration float64) {
			outcome := string(reason)
			if valid {
				outcome = "valid"
			}
			m.RowsTotal.WithLabelValues(outcome).Inc()
			if reason != ReasonSkipped && reason != ReasonCancelled {
				m.RowDuration.Observe(duration)
				m.RowAttempts.Observe(float64(attempts))
				m.ModelCalls.Add(float64(attempts))
				if attempts > 1 {
					m.ModelRetries.Add(float64(attempts - 1))
				}
			}
		},
		OnComplete: func(e *CompleteEvent) {
			m.TaskRows.Observe(float64(e.Counts.Processed))
		},
	}
}
