package scheduler

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/mansoorceksport/subscriptions/internal/config"
	"github.com/mansoorceksport/subscriptions/internal/service"
)

const (
	JobExpirySweep = "subscription-expiry-sweep"
	JobDriftSync   = "subscription-drift-sync"
)

// Sweeper is the work the scheduler triggers
type Sweeper interface {
	RunExpirySweep(ctx context.Context) (*service.SweepResult, error)
	RunDriftSync(ctx context.Context) (*service.SweepResult, error)
}

// Scheduler runs the periodic sweep jobs in-process
type Scheduler struct {
	scheduler gocron.Scheduler
	sweeps    Sweeper
	jobs      map[string]gocron.Job
	mu        sync.RWMutex
}

// New creates the scheduler and registers the expiry and drift jobs.
// A job never overlaps itself: a tick still running when the next one is due is rescheduled.
func New(sweeps Sweeper, cfg config.SweepConfig, opts ...gocron.SchedulerOption) (*Scheduler, error) {
	scheduler, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	s := &Scheduler{
		scheduler: scheduler,
		sweeps:    sweeps,
		jobs:      make(map[string]gocron.Job),
	}

	// Expiry sweep - daily by default
	if err := s.register(JobExpirySweep, cfg.ExpiryInterval, s.runExpiry); err != nil {
		return nil, err
	}
	// Drift sync - hourly by default
	if err := s.register(JobDriftSync, cfg.DriftInterval, s.runDrift); err != nil {
		return nil, err
	}

	log.Printf("[Scheduler] Registered %d background jobs", len(s.jobs))
	return s, nil
}

func (s *Scheduler) register(name string, interval time.Duration, task func()) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", name, interval)
	}

	job, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", name, err)
	}

	s.mu.Lock()
	s.jobs[name] = job
	s.mu.Unlock()
	return nil
}

// Start starts the job scheduler
func (s *Scheduler) Start() {
	log.Printf("[Scheduler] Starting background job scheduler")
	s.scheduler.Start()
}

// Stop waits for running jobs and stops the scheduler
func (s *Scheduler) Stop() error {
	log.Printf("[Scheduler] Stopping background job scheduler")
	return s.scheduler.Shutdown()
}

// Jobs lists the registered job names
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow triggers a registered job outside its schedule
func (s *Scheduler) RunNow(name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return job.RunNow()
}

func (s *Scheduler) runExpiry() {
	if _, err := s.sweeps.RunExpirySweep(context.Background()); err != nil {
		log.Printf("[Scheduler] Expiry sweep failed: %v", err)
	}
}

func (s *Scheduler) runDrift() {
	if _, err := s.sweeps.RunDriftSync(context.Background()); err != nil {
		log.Printf("[Scheduler] Drift sync failed: %v", err)
	}
}
