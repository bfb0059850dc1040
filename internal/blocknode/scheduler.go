package blocknode

import (
	"errors"
	"sync"
	"time"
)

var errSchedulerStopped = errors.New("scheduler is stopped")

// scheduler runs delayed and periodic tasks for the connection manager and
// its connections. Every run happens on its own goroutine.
type scheduler struct {
	mtx     sync.Mutex
	stopped bool
	tasks   map[*scheduledTask]struct{}
	running sync.WaitGroup
}

func newScheduler() *scheduler {
	return &scheduler{tasks: make(map[*scheduledTask]struct{})}
}

// scheduledTask is a pending or periodic run of fn.
type scheduledTask struct {
	s      *scheduler
	fn     func()
	period time.Duration // 0 for one-shot tasks

	timer     *time.Timer // guarded by s.mtx
	cancelled bool        // guarded by s.mtx
}

// Schedule runs fn once after delay.
func (s *scheduler) Schedule(delay time.Duration, fn func()) (*scheduledTask, error) {
	return s.schedule(delay, 0, fn)
}

// ScheduleAtFixedRate runs fn after initialDelay and then every period until
// the task is cancelled.
func (s *scheduler) ScheduleAtFixedRate(initialDelay, period time.Duration, fn func()) (*scheduledTask, error) {
	if period <= 0 {
		return nil, errors.New("period must be positive")
	}
	return s.schedule(initialDelay, period, fn)
}

func (s *scheduler) schedule(delay, period time.Duration, fn func()) (*scheduledTask, error) {
	if delay < 0 {
		delay = 0
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.stopped {
		return nil, errSchedulerStopped
	}

	task := &scheduledTask{s: s, fn: fn, period: period}
	task.timer = time.AfterFunc(delay, task.run)
	s.tasks[task] = struct{}{}
	return task, nil
}

func (t *scheduledTask) run() {
	s := t.s

	s.mtx.Lock()
	if s.stopped || t.cancelled {
		s.mtx.Unlock()
		return
	}
	if t.period == 0 {
		delete(s.tasks, t)
	}
	s.running.Add(1)
	s.mtx.Unlock()

	defer s.running.Done()
	t.fn()

	if t.period > 0 {
		s.mtx.Lock()
		if !s.stopped && !t.cancelled {
			t.timer.Reset(t.period)
		}
		s.mtx.Unlock()
	}
}

// Cancel prevents future runs of the task. A run already in progress is not
// interrupted. It returns false if the task was already cancelled.
func (t *scheduledTask) Cancel() bool {
	s := t.s
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if t.cancelled {
		return false
	}
	t.cancelled = true
	t.timer.Stop()
	delete(s.tasks, t)
	return true
}

// cancelAll cancels every pending task but keeps accepting new ones.
func (s *scheduler) cancelAll() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for task := range s.tasks {
		task.cancelled = true
		task.timer.Stop()
	}
	s.tasks = make(map[*scheduledTask]struct{})
}

// numPending returns the number of tasks waiting to run.
func (s *scheduler) numPending() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.tasks)
}

// Stop cancels every pending task, rejects new ones and waits for the runs
// in progress. It must not be called from a task.
func (s *scheduler) Stop() {
	s.mtx.Lock()
	s.stopped = true
	for task := range s.tasks {
		task.cancelled = true
		task.timer.Stop()
	}
	s.tasks = make(map[*scheduledTask]struct{})
	s.mtx.Unlock()

	s.running.Wait()
}
