package fiber

// Stats is a point in time snapshot of a scheduler's load.
type Stats struct {
	// Threads is the number of worker threads, including the caller's.
	Threads int
	// Active is the number of workers currently running a task.
	Active int
	// Idle is the number of workers currently running their idle fiber.
	Idle int
	// Queued is the number of tasks waiting to run.
	Queued int
}

// Stats returns a snapshot of the scheduler's load.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	queued := s.queued
	s.mu.Unlock()
	return Stats{
		Threads: len(s.threadIDs),
		Active:  int(s.activeCount.Load()),
		Idle:    int(s.idleCount.Load()),
		Queued:  queued,
	}
}

// HasIdleThreads reports whether any worker is currently idle.
func (s *Scheduler) HasIdleThreads() bool {
	return s.idleCount.Load() > 0
}
