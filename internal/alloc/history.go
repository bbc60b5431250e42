package alloc

import "time"

// returnRing is a fixed-capacity ring buffer of per-period returns. It
// bounds memory for long-running processes; only the lookback window ever
// participates in scoring.
type returnRing struct {
	buf   []float64
	start int
	count int
}

func newReturnRing(capacity int) *returnRing {
	return &returnRing{buf: make([]float64, capacity)}
}

func (r *returnRing) Append(v float64) {
	if len(r.buf) == 0 {
		return
	}
	idx := (r.start + r.count) % len(r.buf)
	r.buf[idx] = v
	if r.count < len(r.buf) {
		r.count++
		return
	}
	r.start = (r.start + 1) % len(r.buf)
}

func (r *returnRing) Len() int {
	return r.count
}

// Values returns the window oldest first.
func (r *returnRing) Values() []float64 {
	out := make([]float64, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// WeightSnapshot is the immutable record appended after every rebalance.
type WeightSnapshot struct {
	Time    time.Time
	Weights map[string]float64
}

// snapshotLog is append-only but size-capped: the oldest entries roll off
// once the cap is reached.
type snapshotLog struct {
	entries []WeightSnapshot
	cap     int
}

func newSnapshotLog(capacity int) *snapshotLog {
	return &snapshotLog{cap: capacity}
}

func (l *snapshotLog) Append(s WeightSnapshot) {
	l.entries = append(l.entries, s)
	if l.cap > 0 && len(l.entries) > l.cap {
		l.entries = l.entries[len(l.entries)-l.cap:]
	}
}

func (l *snapshotLog) All() []WeightSnapshot {
	out := make([]WeightSnapshot, len(l.entries))
	copy(out, l.entries)
	return out
}
