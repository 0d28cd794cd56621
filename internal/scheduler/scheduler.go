package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elonfeng/apipulse/pkg/alert"
)

// Backoff selects how the retry delay grows.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Config controls retry behavior.
type Config struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Backoff       Backoff
	// RunOnStart fires every job as soon as Run starts instead of after one interval.
	RunOnStart bool
}

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type task struct {
	job   *Job
	due   time.Time
	retry bool
}

// Scheduler runs jobs on their intervals and retries failed runs with backoff.
// A job never overlaps itself; distinct jobs run concurrently.
type Scheduler struct {
	cfg    Config
	jobs   []*Job
	alerts *alert.Manager

	mu      sync.Mutex
	tasks   []task
	retries map[string]int
	running map[string]bool

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a new scheduler.
func New(cfg Config, alerts *alert.Manager, jobs ...Job) *Scheduler {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.Backoff == "" {
		cfg.Backoff = BackoffExponential
	}

	s := &Scheduler{
		cfg:     cfg,
		alerts:  alerts,
		retries: make(map[string]int),
		running: make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
	for i := range jobs {
		j := jobs[i]
		if j.Interval <= 0 {
			j.Interval = time.Hour
		}
		s.jobs = append(s.jobs, &j)
	}
	return s
}

// Run starts the scheduler loop. Blocks until ctx is cancelled, then waits
// for in-flight runs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	now := time.Now()
	s.mu.Lock()
	for _, j := range s.jobs {
		due := now.Add(j.Interval)
		if s.cfg.RunOnStart {
			due = now
		}
		s.push(task{job: j, due: due})
	}
	s.mu.Unlock()

	log.Info().
		Int("jobs", len(s.jobs)).
		Int("max_retries", s.cfg.MaxRetries).
		Str("backoff", string(s.cfg.Backoff)).
		Msg("scheduler: running")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if next, ok := s.nextDue(); ok {
			timer.Reset(time.Until(next))
		} else {
			timer.Stop()
		}

		select {
		case <-ctx.Done():
			s.wg.Wait()
			log.Info().Msg("scheduler: stopped")
			return ctx.Err()
		case <-timer.C:
			s.dispatchDue(ctx)
		case <-s.wake:
		}
	}
}

// push inserts t keeping tasks ordered by due time. Caller holds mu.
func (s *Scheduler) push(t task) {
	i := sort.Search(len(s.tasks), func(i int) bool { return s.tasks[i].due.After(t.due) })
	s.tasks = append(s.tasks, task{})
	copy(s.tasks[i+1:], s.tasks[i:])
	s.tasks[i] = t
}

func (s *Scheduler) nextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return time.Time{}, false
	}
	return s.tasks[0].due, true
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.tasks) > 0 && !s.tasks[0].due.After(now) {
		t := s.tasks[0]
		s.tasks = s.tasks[1:]

		if !t.retry {
			s.push(task{job: t.job, due: now.Add(t.job.Interval)})
		}

		if !t.retry && s.retryPending(t.job.Name) {
			log.Debug().Str("job", t.job.Name).Msg("scheduler: retry pending, skipping interval run")
			continue
		}
		if s.running[t.job.Name] {
			log.Warn().Str("job", t.job.Name).Bool("retry", t.retry).Msg("scheduler: previous run still in progress, skipping")
			continue
		}

		s.running[t.job.Name] = true
		s.wg.Add(1)
		go s.execute(ctx, t)
	}
}

// retryPending reports whether a retry for the job is queued. Caller holds mu.
func (s *Scheduler) retryPending(name string) bool {
	for _, t := range s.tasks {
		if t.retry && t.job.Name == name {
			return true
		}
	}
	return false
}

func (s *Scheduler) execute(ctx context.Context, t task) {
	defer s.wg.Done()

	name := t.job.Name
	start := time.Now()
	err := t.job.Run(ctx)

	s.mu.Lock()
	s.running[name] = false
	if err == nil {
		s.retries[name] = 0
		s.mu.Unlock()
		log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("scheduler: run ok")
		return
	}
	if ctx.Err() != nil {
		s.mu.Unlock()
		return
	}

	s.retries[name]++
	attempt := s.retries[name]
	if attempt <= s.cfg.MaxRetries {
		delay := s.delay(attempt)
		s.push(task{job: t.job, due: time.Now().Add(delay), retry: true})
		s.mu.Unlock()
		s.signal()

		log.Warn().Err(err).
			Str("job", name).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("scheduler: run failed, retrying")
		return
	}

	s.retries[name] = 0
	s.mu.Unlock()

	log.Error().Err(err).Str("job", name).Int("attempts", attempt).Msg("scheduler: giving up")
	if nerr := s.alerts.Broadcast(ctx, alert.JobFailed(name, attempt, err)); nerr != nil {
		log.Warn().Err(nerr).Str("job", name).Msg("scheduler: failure notification failed")
	}
}

// delay returns the wait before retry number n (1-based).
func (s *Scheduler) delay(n int) time.Duration {
	if s.cfg.Backoff != BackoffExponential || n <= 1 {
		return s.cfg.RetryDelay
	}
	d := s.cfg.RetryDelay
	for i := 1; i < n; i++ {
		d *= 2
		if s.cfg.MaxRetryDelay > 0 && d >= s.cfg.MaxRetryDelay {
			return s.cfg.MaxRetryDelay
		}
	}
	return d
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RetryCount reports the consecutive failures recorded for a job.
func (s *Scheduler) RetryCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries[name]
}
