package coordinator

import (
	"golang.org/x/exp/slices"

	"github.com/dreamware/gridcalc/internal/calculation"
)

// Candidate is what the pool needs to know about an idle worker session.
type Candidate interface {
	comparable
	// Missing reports whether the worker said it cannot run bin.
	Missing(bin string) bool
}

// Pool holds the pending work of the cluster: one FIFO queue of fragments
// per capability, and the index of idle sessions ordered oldest-idle-first.
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│                  Pool                    │
//	├──────────────────────────────────────────┤
//	│  queues: bin → [f1, f2, f3, ...] (FIFO)  │
//	│  bins:   round-robin order of queues     │
//	│  idle:   [s3, s1, s7] oldest first       │
//	├──────────────────────────────────────────┤
//	│  Take: first idle s with !s.Missing(bin) │
//	└──────────────────────────────────────────┘
//
// Concurrency Model:
// A Pool is owned by the dispatcher goroutine and is not safe for
// concurrent use. Every method runs in O(n) of the structure it touches at
// worst; queues and idle lists stay small compared to network latency.
type Pool[W Candidate] struct {
	queues map[string][]*calculation.Fragment
	bins   []string
	idle   []W
	next   int
}

// NewPool creates an empty pool.
func NewPool[W Candidate]() *Pool[W] {
	return &Pool[W]{queues: make(map[string][]*calculation.Fragment)}
}

// Push appends a fragment to the back of its capability queue.
func (p *Pool[W]) Push(f *calculation.Fragment) {
	bin := f.Bin()
	if _, ok := p.queues[bin]; !ok {
		p.bins = append(p.bins, bin)
	}
	p.queues[bin] = append(p.queues[bin], f)
}

// PushFront puts a fragment back at the head of its queue. Requeued work
// keeps its place ahead of fragments submitted after it.
func (p *Pool[W]) PushFront(f *calculation.Fragment) {
	bin := f.Bin()
	if _, ok := p.queues[bin]; !ok {
		p.bins = append(p.bins, bin)
	}
	p.queues[bin] = slices.Insert(p.queues[bin], 0, f)
}

// Pop removes and returns the oldest fragment queued for bin, or nil.
func (p *Pool[W]) Pop(bin string) *calculation.Fragment {
	q := p.queues[bin]
	if len(q) == 0 {
		return nil
	}
	f := q[0]
	q[0] = nil
	p.setQueue(bin, q[1:])
	return f
}

// Drop removes every queued fragment of calc and returns how many there
// were.
func (p *Pool[W]) Drop(calc *calculation.Calculation) int {
	q := p.queues[calc.Bin]
	kept := q[:0]
	dropped := 0
	for _, f := range q {
		if f.Calculation() == calc {
			dropped++
			continue
		}
		kept = append(kept, f)
	}
	for i := len(kept); i < len(q); i++ {
		q[i] = nil
	}
	p.setQueue(calc.Bin, kept)
	return dropped
}

func (p *Pool[W]) setQueue(bin string, q []*calculation.Fragment) {
	if len(q) > 0 {
		p.queues[bin] = q
		return
	}
	delete(p.queues, bin)
	if i := slices.Index(p.bins, bin); i >= 0 {
		p.bins = slices.Delete(p.bins, i, i+1)
		if p.next > i {
			p.next--
		}
	}
}

// Queued returns the number of fragments waiting for bin.
func (p *Pool[W]) Queued(bin string) int {
	return len(p.queues[bin])
}

// Len returns the number of queued fragments across all capabilities.
func (p *Pool[W]) Len() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

// Capabilities returns the capabilities with queued work. The starting
// point rotates on every call, so no capability always gets the first pick
// of idle sessions.
func (p *Pool[W]) Capabilities() []string {
	if len(p.bins) == 0 {
		return nil
	}
	if p.next >= len(p.bins) {
		p.next = 0
	}
	out := make([]string, 0, len(p.bins))
	out = append(out, p.bins[p.next:]...)
	out = append(out, p.bins[:p.next]...)
	p.next = (p.next + 1) % len(p.bins)
	return out
}

// QueuedByCapability returns the queue lengths, for reporting.
func (p *Pool[W]) QueuedByCapability() map[string]int {
	out := make(map[string]int, len(p.queues))
	for bin, q := range p.queues {
		out[bin] = len(q)
	}
	return out
}

// AddIdle appends a session to the idle index. A session already present
// keeps its position.
func (p *Pool[W]) AddIdle(w W) {
	if slices.Contains(p.idle, w) {
		return
	}
	p.idle = append(p.idle, w)
}

// RemoveIdle takes a session out of the idle index.
func (p *Pool[W]) RemoveIdle(w W) bool {
	i := slices.Index(p.idle, w)
	if i < 0 {
		return false
	}
	p.idle = slices.Delete(p.idle, i, i+1)
	return true
}

// TakeIdle removes and returns the longest-idle session that has not
// reported bin as missing. ok is false when there is none.
func (p *Pool[W]) TakeIdle(bin string) (w W, ok bool) {
	for i, candidate := range p.idle {
		if candidate.Missing(bin) {
			continue
		}
		p.idle = slices.Delete(p.idle, i, i+1)
		return candidate, true
	}
	return w, false
}

// Idle returns the number of idle sessions.
func (p *Pool[W]) Idle() int {
	return len(p.idle)
}
