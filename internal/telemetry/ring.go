package telemetry

import (
	"time"

	"github.com/gridworks/scada/internal/core"
)

// Ring is a fixed-capacity ring buffer of telemetry samples with
// oldest-eviction. Not safe for concurrent use; the owning store
// serialises access.
type Ring struct {
	buf   []core.TelemetrySample
	head  int // index of the oldest element
	count int
}

// NewRing creates a ring buffer holding up to capacity samples.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]core.TelemetrySample, capacity)}
}

// Push appends a sample, evicting exactly the oldest when at capacity.
func (r *Ring) Push(s core.TelemetrySample) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = s
		r.count++
		return
	}
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
}

// Len returns the number of stored samples.
func (r *Ring) Len() int { return r.count }

// Cap returns the ring's capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Oldest returns the oldest stored sample, if any.
func (r *Ring) Oldest() (core.TelemetrySample, bool) {
	if r.count == 0 {
		return core.TelemetrySample{}, false
	}
	return r.buf[r.head], true
}

// Query returns up to limit samples within [from, to], oldest first.
// Zero time bounds are open.
func (r *Ring) Query(from, to time.Time, limit int) []core.TelemetrySample {
	if limit <= 0 {
		limit = r.count
	}
	out := make([]core.TelemetrySample, 0, min(limit, r.count))
	for i := 0; i < r.count; i++ {
		s := r.buf[(r.head+i)%len(r.buf)]
		if !from.IsZero() && s.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && s.Timestamp.After(to) {
			continue
		}
		out = append(out, s)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
