package background

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"billingsync/internal/jobs"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
)

// SweepRunner runs one pass of a named sweep
type SweepRunner interface {
	Run(ctx context.Context, kind string) (jobs.SweepResult, error)
}

type Intervals struct {
	Expiry          time.Duration
	ScheduledChange time.Duration
	Cleanup         time.Duration
}

// JobScheduler runs the periodic sweeps
type JobScheduler struct {
	scheduler gocron.Scheduler
	runner    SweepRunner
	ctx       context.Context
	cancel    context.CancelFunc
	sweepJobs   map[string]gocron.Job
	mu        sync.RWMutex
}

// NewJobScheduler creates the scheduler and registers one singleton job per sweep kind
func NewJobScheduler(runner SweepRunner, intervals Intervals) (*JobScheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	js := &JobScheduler{
		scheduler: scheduler,
		runner:    runner,
		ctx:       ctx,
		cancel:    cancel,
		sweepJobs:   make(map[string]gocron.Job),
	}

	if err := js.registerJobs(intervals); err != nil {
		cancel()
		_ = scheduler.Shutdown()
		return nil, err
	}
	return js, nil
}

// Start starts the job scheduler
func (js *JobScheduler) Start() {
	log.Info().Int("jobs", len(js.JobNames())).Msg("starting background job scheduler")
	js.scheduler.Start()
}

// Stop cancels running sweeps and stops the scheduler
func (js *JobScheduler) Stop() error {
	log.Info().Msg("stopping background job scheduler")
	js.cancel()
	return js.scheduler.Shutdown()
}

func (js *JobScheduler) registerJobs(intervals Intervals) error {
	defs := []struct {
		kind     string
		interval time.Duration
	}{
		{jobs.KindExpiry, intervals.Expiry},
		{jobs.KindScheduledChange, intervals.ScheduledChange},
		{jobs.KindCleanup, intervals.Cleanup},
	}

	js.mu.Lock()
	defer js.mu.Unlock()
	for _, def := range defs {
		if def.interval <= 0 {
			log.Warn().Str("job", def.kind).Msg("sweep disabled, interval not set")
			continue
		}
		job, err := js.scheduler.NewJob(
			gocron.DurationJob(def.interval),
			gocron.NewTask(js.runSweep, def.kind),
			gocron.WithName(def.kind+"-sweep"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to create %s sweep job: %w", def.kind, err)
		}
		js.sweepJobs[def.kind] = job
	}

	log.Info().Int("jobs", len(js.sweepJobs)).Msg("registered background jobs")
	return nil
}

func (js *JobScheduler) runSweep(kind string) {
	start := time.Now()
	result, err := js.runner.Run(js.ctx, kind)
	if err != nil {
		log.Error().Err(err).Str("sweep", kind).Msg("sweep pass failed")
		return
	}
	log.Debug().
		Str("sweep", kind).
		Int("candidates", result.Candidates).
		Dur("took", time.Since(start)).
		Msg("sweep job finished")
}

// RunNow triggers the named sweep outside its schedule
func (js *JobScheduler) RunNow(kind string) error {
	js.mu.RLock()
	job, ok := js.sweepJobs[kind]
	js.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", jobs.ErrUnknownSweepKind, kind)
	}
	return job.RunNow()
}

func (js *JobScheduler) JobNames() []string {
	js.mu.RLock()
	defer js.mu.RUnlock()
	names := make([]string, 0, len(js.sweepJobs))
	for kind := range js.sweepJobs {
		names = append(names, kind)
	}
	sort.Strings(names)
	return names
}
