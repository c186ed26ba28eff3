// Package scheduler runs the server's periodic maintenance jobs.
//
// Every job has its own ticker and its own lock: a job never overlaps itself
// on one node, while a slow job does not hold up the others. Runs on
// different nodes may overlap; the jobs rely on conditional updates for that.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/logging"
)

// Job names.
const (
	JobSelfDestruct    = "self-destruct-cleanup"
	JobExpiredMessages = "expired-messages"
	JobExpiredKeys     = "expired-keys"
	JobRotation        = "rotation-check"
)

// RunFunc performs one run of a job and reports how many items it handled.
type RunFunc func(ctx context.Context) (int64, error)

// Job is a named unit of periodic work. A zero Interval registers the job
// for on-demand runs only.
type Job struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Run      RunFunc
}

type entry struct {
	Job
	mu sync.Mutex
}

type Scheduler struct {
	log  logging.Logger
	jobs map[string]*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(l logging.Logger) *Scheduler {
	return &Scheduler{
		log:  l.With("module", "scheduler"),
		jobs: make(map[string]*entry),
	}
}

// Add registers job. It must be called before Start.
func (s *Scheduler) Add(job Job) {
	s.jobs[job.Name] = &entry{Job: job}
}

// Jobs returns the registered job names in order.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Start launches a ticker per job with a positive interval. The jobs stop
// when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, e := range s.jobs {
		if e.Interval <= 0 {
			continue
		}
		s.wg.Add(1)
		go func(e *entry) {
			defer s.wg.Done()
			s.loop(ctx, e)
		}(e)
	}
	s.log.Info(ctx, "scheduler started", "jobs", len(s.jobs))
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.run(ctx, e); err != nil && ctx.Err() == nil {
				s.log.Error(ctx, "job failed", "job", e.Name, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunNow runs the named job immediately, waiting for a run of the same job
// to finish first.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int64, error) {
	e, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("job %q: %w", name, common.ErrorNotFound)
	}
	return s.run(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	job := e.Job

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	start := time.Now()
	n, err := job.Run(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.log.Info(ctx, "job done", "job", job.Name, "items", n, "took", time.Since(start))
	} else {
		s.log.Debug(ctx, "job done", "job", job.Name, "took", time.Since(start))
	}
	return n, nil
}

// Stop cancels the tickers and waits for running jobs to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
