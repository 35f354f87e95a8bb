// Package metrics holds the Prometheus instrumentation for generation jobs,
// credit movements and the image proxy.
package metrics

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "archrender"

// Recorder owns a registry and the collectors registered on it.
type Recorder struct {
	registry *prometheus.Registry

	JobsTotal         *prometheus.CounterVec
	JobDuration       *prometheus.HistogramVec
	PollAttemptsTotal *prometheus.CounterVec
	RestartsTotal     *prometheus.CounterVec
	CreditsDeducted   *prometheus.CounterVec
	RefundsTotal      *prometheus.CounterVec
	ProxyRequests     *prometheus.CounterVec
	ProxyBytesTotal   prometheus.Counter

	activity *ActivityLog
}

// recentActivity is how many records the status endpoint returns.
const recentActivity = 20

// NewRecorder creates a Recorder with Go runtime and process collectors and
// an activity log tagged with version.
func NewRecorder(version string) *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		activity: NewActivityLog(100, version, time.Now()),
		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "total",
			Help:      "Finished generation and upscale jobs by outcome",
		}, []string{"kind", "outcome"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Job duration from submission to terminal state",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		PollAttemptsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "poll_attempts_total",
			Help:      "Task status polls",
		}, []string{"kind"}),
		RestartsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "operation_restarts_total",
			Help:      "Tasks abandoned and resubmitted",
		}, []string{"kind"}),
		CreditsDeducted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "deducted_total",
			Help:      "Credits deducted by tool",
		}, []string{"tool"}),
		RefundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credits",
			Name:      "refunds_total",
			Help:      "Refunds issued by tool and reason",
		}, []string{"tool", "reason"}),
		ProxyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Image proxy requests by status",
		}, []string{"status"}),
		ProxyBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "bytes_total",
			Help:      "Bytes served by the image proxy",
		}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Activity returns the in-memory activity log.
func (r *Recorder) Activity() *ActivityLog {
	return r.activity
}

// StatusHandler serves the activity summary as JSON.
func (r *Recorder) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		limit := recentActivity
		if v, err := strconv.Atoi(req.URL.Query().Get("recent")); err == nil && v >= 0 {
			limit = v
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.activity.Summary(limit))
	})
}

// JobFinished records a terminal job outcome.
func (r *Recorder) JobFinished(kind, outcome string, elapsed time.Duration) {
	r.JobsTotal.WithLabelValues(kind, outcome).Inc()
	r.JobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	r.activity.Record(ActivityRecord{
		Kind:     kind,
		Outcome:  outcome,
		Status:   statusFor(outcome == "success"),
		EndTime:  time.Now(),
		Duration: elapsed,
	})
}

// PollAttempt counts one status poll.
func (r *Recorder) PollAttempt(kind string) {
	r.PollAttemptsTotal.WithLabelValues(kind).Inc()
}

// OperationRestart counts one abandoned task.
func (r *Recorder) OperationRestart(kind string) {
	r.RestartsTotal.WithLabelValues(kind).Inc()
}

// Deducted records credits taken for a tool.
func (r *Recorder) Deducted(tool string, amount int) {
	r.CreditsDeducted.WithLabelValues(tool).Add(float64(amount))
}

// Refunded records a refund for a tool.
func (r *Recorder) Refunded(tool, reason string) {
	r.RefundsTotal.WithLabelValues(tool, reason).Inc()
}

// ProxyServed records a proxy response.
func (r *Recorder) ProxyServed(status string, bytes int64) {
	r.ProxyRequests.WithLabelValues(status).Inc()
	if bytes > 0 {
		r.ProxyBytesTotal.Add(float64(bytes))
	}
	r.activity.Record(ActivityRecord{
		Kind:    "proxy",
		Outcome: status,
		Status:  statusFor(status == strconv.Itoa(http.StatusOK)),
		EndTime: time.Now(),
	})
}

func statusFor(ok bool) string {
	if ok {
		return StatusSuccess
	}
	return StatusError
}
