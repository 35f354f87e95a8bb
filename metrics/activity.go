package metrics

import (
	"sync"
	"time"
)

// Activity statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ActivityRecord is one finished job or proxy fetch.
type ActivityRecord struct {
	Kind     string        `json:"kind"`
	Outcome  string        `json:"outcome"`
	Status   string        `json:"status"`
	EndTime  time.Time     `json:"end_time"`
	Duration time.Duration `json:"duration"`
}

// KindStats summarizes the records of one kind.
type KindStats struct {
	Count       int64         `json:"count"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// ActivitySummary is the payload served on the status endpoint.
type ActivitySummary struct {
	Version       string                `json:"version"`
	Uptime        time.Duration         `json:"uptime"`
	TotalRecorded int64                 `json:"total_recorded"`
	TotalSuccess  int64                 `json:"total_success"`
	TotalErrors   int64                 `json:"total_errors"`
	ByKind        map[string]*KindStats `json:"by_kind"`
	Recent        []ActivityRecord      `json:"recent"`
}

type kindTotals struct {
	count         int64
	successCount  int64
	totalDuration time.Duration
}

// ActivityLog keeps the most recent records in a ring buffer and running
// totals per kind. It is safe for concurrent use.
type ActivityLog struct {
	mu sync.RWMutex

	ring []ActivityRecord
	head int
	size int

	total   int64
	success int64
	errors  int64
	byKind  map[string]*kindTotals

	start   time.Time
	version string
}

// NewActivityLog creates a log retaining capacity records. Capacity below
// one defaults to 100.
func NewActivityLog(capacity int, version string, start time.Time) *ActivityLog {
	if capacity < 1 {
		capacity = 100
	}
	return &ActivityLog{
		ring:    make([]ActivityRecord, capacity),
		byKind:  make(map[string]*kindTotals),
		start:   start,
		version: version,
	}
}

// Record appends rec, evicting the oldest record when full.
func (l *ActivityLog) Record(rec ActivityRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ring[l.head] = rec
	l.head = (l.head + 1) % len(l.ring)
	if l.size < len(l.ring) {
		l.size++
	}

	l.total++
	switch rec.Status {
	case StatusSuccess:
		l.success++
	case StatusError:
		l.errors++
	}

	t, ok := l.byKind[rec.Kind]
	if !ok {
		t = &kindTotals{}
		l.byKind[rec.Kind] = t
	}
	t.count++
	if rec.Status == StatusSuccess {
		t.successCount++
	}
	t.totalDuration += rec.Duration
}

// Recent returns up to limit records, oldest first.
func (l *ActivityLog) Recent(limit int) []ActivityRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || l.size == 0 {
		return []ActivityRecord{}
	}
	if limit > l.size {
		limit = l.size
	}
	n := len(l.ring)
	out := make([]ActivityRecord, limit)
	for i := 0; i < limit; i++ {
		out[i] = l.ring[(l.head-limit+i+n)%n]
	}
	return out
}

// Summary aggregates the totals and includes up to recent records.
func (l *ActivityLog) Summary(recent int) ActivitySummary {
	records := l.Recent(recent)

	l.mu.RLock()
	defer l.mu.RUnlock()

	s := ActivitySummary{
		Version:       l.version,
		Uptime:        time.Since(l.start),
		TotalRecorded: l.total,
		TotalSuccess:  l.success,
		TotalErrors:   l.errors,
		ByKind:        make(map[string]*KindStats, len(l.byKind)),
		Recent:        records,
	}
	for kind, t := range l.byKind {
		ks := &KindStats{Count: t.count}
		if t.count > 0 {
			ks.SuccessRate = float64(t.successCount) / float64(t.count) * 100
			ks.AvgDuration = t.totalDuration / time.Duration(t.count)
		}
		s.ByKind[kind] = ks
	}
	return s
}
