package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one recurring pipeline task. Run processes up to limit items
// and reports how many it handled.
type Job interface {
	Run(ctx context.Context, limit int) (int, error)
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(ctx context.Context, limit int) (int, error)

func (f JobFunc) Run(ctx context.Context, limit int) (int, error) { return f(ctx, limit) }

type scheduledJob struct {
	name     string
	interval time.Duration
	job      Job
}

// Scheduler runs registered jobs on fixed intervals. A shared worker
// semaphore caps how many jobs touch the providers at once; one slow
// OCR batch cannot starve the deadline sweep since every job has its
// own ticker goroutine.
type Scheduler struct {
	logger    *slog.Logger
	batchSize int
	workers   chan struct{}

	jobs []scheduledJob

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewScheduler(logger *slog.Logger, workerCount, batchSize int) *Scheduler {
	if workerCount < 1 {
		workerCount = 1
	}
	if batchSize < 1 {
		batchSize = 1
	}
	return &Scheduler{
		logger:    logger,
		batchSize: batchSize,
		workers:   make(chan struct{}, workerCount),
	}
}

// Register adds a job before Start. Not safe to call afterwards.
func (s *Scheduler) Register(name string, interval time.Duration, job Job) {
	s.jobs = append(s.jobs, scheduledJob{name: name, interval: interval, job: job})
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, sj := range s.jobs {
		s.wg.Add(1)
		go s.loop(runCtx, sj)
	}
	s.logger.Info("Pipeline scheduler started", "jobs", len(s.jobs), "workers", cap(s.workers))
}

func (s *Scheduler) loop(ctx context.Context, sj scheduledJob) {
	defer s.wg.Done()

	ticker := time.NewTicker(sj.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, sj)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, sj scheduledJob) {
	select {
	case s.workers <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.workers }()

	processed, err := sj.job.Run(ctx, s.batchSize)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("Pipeline job failed", "job", sj.name, "error", err)
		return
	}
	if processed > 0 {
		s.logger.Debug("Pipeline job ran", "job", sj.name, "processed", processed)
	}
}

// Stop cancels the loops and waits for in-flight jobs to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info("Pipeline scheduler stopped")
}
