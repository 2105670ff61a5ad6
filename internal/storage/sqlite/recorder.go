package sqlite

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// recorderCapacity bounds the ring of retained query records.
	recorderCapacity = 1000
	// slowQueryThreshold marks a query as slow for the metrics view.
	slowQueryThreshold = 100 * time.Millisecond
	// slowQueryTop is how many slow queries the metrics view keeps.
	slowQueryTop = 10
)

// QueryRecord is one executed statement retained in the recorder ring.
type QueryRecord struct {
	SQL      string
	Duration time.Duration
	Rows     int64
	At       time.Time
	Failed   bool
}

// QueryEvent is the payload delivered to subscribers for every statement.
type QueryEvent struct {
	Type         string // query, insert, update, delete
	Table        string
	AffectedRows int64
	Duration     time.Duration
}

// Subscriber receives query events. Subscribers are fire-and-forget: a
// panic inside one is recovered and logged, never surfaced to the
// statement that triggered it.
type Subscriber func(QueryEvent)

// Metrics is the aggregate view over the recorder ring.
type Metrics struct {
	Total           int64
	AverageDuration time.Duration
	Slowest         []QueryRecord
}

// Recorder keeps a bounded ring of recent query records and fans events
// out to subscribers. Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	ring  [recorderCapacity]QueryRecord
	next  int
	count int
	total int64

	subMu sync.Mutex
	subs  []Subscriber

	log zerolog.Logger
}

// NewRecorder creates an empty recorder.
func NewRecorder(logger zerolog.Logger) *Recorder {
	return &Recorder{log: logger}
}

// Record appends one query record, evicting the oldest once the ring is
// full.
func (r *Recorder) Record(rec QueryRecord) {
	r.mu.Lock()
	r.ring[r.next] = rec
	r.next = (r.next + 1) % recorderCapacity
	if r.count < recorderCapacity {
		r.count++
	}
	r.total++
	r.mu.Unlock()

	if rec.Duration >= slowQueryThreshold {
		r.log.Warn().
			Dur("duration", rec.Duration).
			Str("sql", rec.SQL).
			Msg("slow query")
	}
}

// Subscribe registers a subscriber for all subsequent query events.
func (r *Recorder) Subscribe(fn Subscriber) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subs = append(r.subs, fn)
}

// Notify delivers an event to every subscriber, recovering panics so a
// broken subscriber cannot fail the calling statement.
func (r *Recorder) Notify(ev QueryEvent) {
	r.subMu.Lock()
	subs := make([]Subscriber, len(r.subs))
	copy(subs, r.subs)
	r.subMu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.log.Warn().Interface("panic", p).Msg("query event subscriber panicked")
				}
			}()
			fn(ev)
		}()
	}
}

// Recent returns the retained records, oldest first.
func (r *Recorder) Recent() []QueryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QueryRecord, 0, r.count)
	start := r.next - r.count
	for i := 0; i < r.count; i++ {
		out = append(out, r.ring[(start+i+recorderCapacity)%recorderCapacity])
	}
	return out
}

// Metrics computes the aggregate view: average duration over the ring and
// the slowest records above the threshold, worst first, capped at ten.
func (r *Recorder) Metrics() Metrics {
	records := r.Recent()

	m := Metrics{}
	r.mu.Lock()
	m.Total = r.total
	r.mu.Unlock()

	if len(records) == 0 {
		return m
	}

	var sum time.Duration
	for _, rec := range records {
		sum += rec.Duration
		if rec.Duration >= slowQueryThreshold {
			m.Slowest = append(m.Slowest, rec)
		}
	}
	m.AverageDuration = sum / time.Duration(len(records))

	sort.Slice(m.Slowest, func(i, j int) bool {
		return m.Slowest[i].Duration > m.Slowest[j].Duration
	})
	if len(m.Slowest) > slowQueryTop {
		m.Slowest = m.Slowest[:slowQueryTop]
	}
	return m
}
