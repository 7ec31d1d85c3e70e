package scheduler

import "time"

// pickRoundRobin rotates through the eligible set in a stable order, advancing
// past whichever project was chosen last tick.
func (s *Scheduler) pickRoundRobin(eligible []ProjectView) *ProjectView {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rrCursor >= len(eligible) {
		s.rrCursor = 0
	}
	chosen := eligible[s.rrCursor]
	s.rrCursor = (s.rrCursor + 1) % len(eligible)
	return &chosen
}

// pickPriority chooses the highest project.priority, ties broken by longest idle
// (tracked via fairness ledger's last-dispatch timestamp).
func (s *Scheduler) pickPriority(eligible []ProjectView) *ProjectView {
	best := eligible[0]
	bestIdle := s.fairness.IdleSince(best.ID)
	for _, p := range eligible[1:] {
		if p.Priority > best.Priority {
			best = p
			bestIdle = s.fairness.IdleSince(p.ID)
			continue
		}
		if p.Priority == best.Priority {
			idle := s.fairness.IdleSince(p.ID)
			if idle > bestIdle {
				best = p
				bestIdle = idle
			}
		}
	}
	return &best
}

// pickWeightedRoundRobin implements Deficit Round Robin: every tick each
// eligible project's credit grows by its share of the eligible set's total
// weight (the shares add up to one credit per tick); the project with the
// highest credit >= 1 is chosen and loses one credit, so dispatch counts
// follow the weight ratio.
func (s *Scheduler) pickWeightedRoundRobin(eligible []ProjectView) *ProjectView {
	s.mu.Lock()
	defer s.mu.Unlock()

	var totalWeight float64
	for _, p := range eligible {
		totalWeight += p.Weight
	}
	for _, p := range eligible {
		if totalWeight > 0 {
			s.credits[p.ID] += p.Weight / totalWeight
		}
	}

	var best *ProjectView
	var bestCredit float64
	for i := range eligible {
		p := &eligible[i]
		c := s.credits[p.ID]
		if c >= 1 && (best == nil || c > bestCredit) {
			best = p
			bestCredit = c
		}
	}
	if best == nil {
		return nil
	}
	s.credits[best.ID]--
	chosen := *best
	return &chosen
}

// pickDeadlineAware chooses the project owning the task with the nearest
// deadline among the eligible set, falling back to weighted-round-robin when no
// eligible project has a deadline-bearing head task.
func (s *Scheduler) pickDeadlineAware(eligible []ProjectView) *ProjectView {
	var best *ProjectView
	var nearest time.Time

	for i := range eligible {
		p := &eligible[i]
		task, ok := s.queues.Peek(p.ID)
		if !ok || task.Deadline == nil {
			continue
		}
		if best == nil || task.Deadline.Before(nearest) {
			best = p
			nearest = *task.Deadline
		}
	}
	if best != nil {
		chosen := *best
		return &chosen
	}
	return s.pickWeightedRoundRobin(eligible)
}
