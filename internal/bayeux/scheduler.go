package bayeux

// Scheduler is installed on a session by a transport that is able to send
// queued messages. Schedule asks it to flush the queue, Cancel tells it the
// session dropped it.
type Scheduler interface {
	Schedule()
	Cancel()
}

// OneTimeScheduler is implemented by schedulers that serve a single flush,
// like a held long poll. They are detached from the session once scheduled.
type OneTimeScheduler interface {
	Scheduler
	OneTime() bool
}

func isOneTime(scheduler Scheduler) bool {
	oneTime, ok := scheduler.(OneTimeScheduler)
	return ok && oneTime.OneTime()
}

// SchedulerFuncs adapts a pair of functions to Scheduler.
type SchedulerFuncs struct {
	OnSchedule func()
	OnCancel   func()
	Once       bool
}

func (s *SchedulerFuncs) Schedule() {
	if s.OnSchedule != nil {
		s.OnSchedule()
	}
}

func (s *SchedulerFuncs) Cancel() {
	if s.OnCancel != nil {
		s.OnCancel()
	}
}

func (s *SchedulerFuncs) OneTime() bool {
	return s.Once
}
