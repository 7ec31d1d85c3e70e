package scheduler

import (
	"sync"
	"time"
)

// fairnessLedger records recent dispatches per project, used to compute Jain's
// fairness index and to break priority-policy ties by idle time.
type fairnessLedger struct {
	mu       sync.Mutex
	window   int
	order    []string // ring of projectIDs in dispatch order, capped at window
	counts   map[string]int
	lastSeen map[string]time.Time
}

func newFairnessLedger(window int) *fairnessLedger {
	return &fairnessLedger{
		window:   window,
		counts:   make(map[string]int),
		lastSeen: make(map[string]time.Time),
	}
}

// Record appends a dispatch for projectID, evicting the oldest entry once the
// window is full.
func (f *fairnessLedger) Record(projectID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.order = append(f.order, projectID)
	f.counts[projectID]++
	f.lastSeen[projectID] = time.Now()

	if len(f.order) > f.window {
		evicted := f.order[0]
		f.order = f.order[1:]
		f.counts[evicted]--
		if f.counts[evicted] <= 0 {
			delete(f.counts, evicted)
		}
	}
}

// IdleSince returns how long it has been since projectID was last dispatched;
// projects never dispatched are treated as maximally idle.
func (f *fairnessLedger) IdleSince(projectID string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	last, ok := f.lastSeen[projectID]
	if !ok {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(last)
}

// Index computes Jain's fairness index over the current window:
// (Σ share_i)² / (n · Σ share_i²), where share_i is project i's dispatch count.
func (f *fairnessLedger) Index() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.counts) == 0 {
		return 1
	}

	var sum, sumSq float64
	for _, c := range f.counts {
		sum += float64(c)
		sumSq += float64(c) * float64(c)
	}
	if sumSq == 0 {
		return 1
	}
	n := float64(len(f.counts))
	return (sum * sum) / (n * sumSq)
}

// Index exposes the scheduler's current fairness index over IPC.
func (s *Scheduler) Index() float64 {
	return s.fairness.Index()
}

// Counts returns a snapshot of dispatch counts per project in the current window.
func (s *Scheduler) Counts() map[string]int {
	s.fairness.mu.Lock()
	defer s.fairness.mu.Unlock()
	out := make(map[string]int, len(s.fairness.counts))
	for k, v := range s.fairness.counts {
		out[k] = v
	}
	return out
}
