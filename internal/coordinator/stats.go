package coordinator

import "sync/atomic"

// Stats counts dispatcher activity. Fields are updated with atomics so the
// admin API can read them without going through the dispatcher loop.
type Stats struct {
	Submitted uint64 // Calculations accepted
	Assigned  uint64 // Fragments handed to a session
	Completed uint64 // Fragments computed
	Unable    uint64 // UNABLE replies
	Requeued  uint64 // Fragments returned to the pool after a failure
	Computed  uint64 // Calculations computed
	Crashed   uint64 // Calculations crashed
	Canceled  uint64 // Calculations canceled
}

func (s *Stats) add(field *uint64) {
	atomic.AddUint64(field, 1)
}

// Snapshot returns a consistent-enough copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Submitted: atomic.LoadUint64(&s.Submitted),
		Assigned:  atomic.LoadUint64(&s.Assigned),
		Completed: atomic.LoadUint64(&s.Completed),
		Unable:    atomic.LoadUint64(&s.Unable),
		Requeued:  atomic.LoadUint64(&s.Requeued),
		Computed:  atomic.LoadUint64(&s.Computed),
		Crashed:   atomic.LoadUint64(&s.Crashed),
		Canceled:  atomic.LoadUint64(&s.Canceled),
	}
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Submitted uint64 `json:"submitted"`
	Assigned  uint64 `json:"assigned"`
	Completed uint64 `json:"completed"`
	Unable    uint64 `json:"unable"`
	Requeued  uint64 `json:"requeued"`
	Computed  uint64 `json:"computed"`
	Crashed   uint64 `json:"crashed"`
	Canceled  uint64 `json:"canceled"`
}
