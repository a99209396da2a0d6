package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Pierre-Graber/optimizer-api/internal/metrics"
	"github.com/Pierre-Graber/optimizer-api/internal/model"
	"github.com/Pierre-Graber/optimizer-api/internal/opt"
	"github.com/Pierre-Graber/optimizer-api/internal/progress"
	"github.com/Pierre-Graber/optimizer-api/internal/store"
)

var (
	ErrQueueFull = errors.New("jobs: queue full")
	ErrStopped   = errors.New("jobs: runner stopped")
)

// Notifier is told about finished jobs (completion callbacks).
type Notifier interface {
	JobFinished(ctx context.Context, job model.Job, res *model.Result) (string, error)
}

// Runner executes queued jobs on a fixed pool of workers.
type Runner struct {
	Store    store.Store
	Pipeline *Pipeline
	Notifier Notifier
	Events   Broadcaster
	Logger   progress.Logger
	Workers  int
	Timeout  time.Duration

	queue   chan string
	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewRunner(s store.Store, pl *Pipeline, workers, queueSize int) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Runner{Store: s, Pipeline: pl, Logger: pl.Logger, Workers: workers, queue: make(chan string, queueSize)}
}

// Start launches the workers. They stop when ctx ends or Stop is called.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	for i := 0; i < r.Workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id, ok := <-r.queue:
					if !ok {
						return
					}
					if ctx.Err() != nil {
						// shutting down: the job stays queued
						return
					}
					r.process(ctx, id)
				}
			}
		}()
	}
}

// Stop refuses new jobs, lets running ones finish and waits for the workers.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.stopped {
		r.stopped = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
}

// Submit stores a job and queues it.
func (r *Runner) Submit(ctx context.Context, tenantID string, req model.JobRequest) (model.Job, error) {
	job, err := r.Store.CreateJob(ctx, model.Job{TenantID: tenantID, Name: req.Name, CallbackURL: req.CallbackURL, Problem: req.Problem})
	if err != nil {
		return model.Job{}, err
	}
	job.Problem = nil
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		_ = r.Store.UpdateJobStatus(ctx, job.ID, model.JobFailed, ErrStopped.Error())
		return model.Job{}, ErrStopped
	}
	select {
	case r.queue <- job.ID:
		return job, nil
	default:
		_ = r.Store.UpdateJobStatus(ctx, job.ID, model.JobFailed, ErrQueueFull.Error())
		metrics.Jobs.WithLabelValues("rejected").Inc()
		return model.Job{}, ErrQueueFull
	}
}

func (r *Runner) process(ctx context.Context, id string) {
	job, err := r.Store.GetJob(ctx, store.AnyTenant, id)
	if err != nil {
		r.Pipeline.logf("[jobs] load %s: %v", id, err)
		return
	}
	r.Run(ctx, job)
}

// Run executes one job to completion and records its outcome.
func (r *Runner) Run(ctx context.Context, job model.Job) (*model.Result, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	ctx = opt.WithJob(ctx, job.ID)
	obs := progress.Multi(BrokerObserver{JobID: job.ID, Sink: r.Events}, progress.LogObserver{Logger: r.Logger, Tag: "[jobs] " + job.ID})

	r.setStatus(ctx, &job, model.JobRunning, "", obs)
	started := time.Now()
	res, err := r.Pipeline.Solve(ctx, job.Problem, obs)
	if err == nil {
		err = r.Store.SaveResult(ctx, job.ID, res)
	}
	// the outcome is recorded even when ctx has ended
	done := context.WithoutCancel(ctx)
	if err != nil {
		r.Pipeline.logf("[jobs] job %s failed after %s: %v", job.ID, time.Since(started).Round(time.Millisecond), err)
		r.setStatus(done, &job, model.JobFailed, err.Error(), obs)
		res = nil
	} else {
		r.Pipeline.logf("[jobs] job %s completed in %s: cost %.1f, %d unassigned",
			job.ID, time.Since(started).Round(time.Millisecond), res.Cost, len(res.Unassigned))
		r.setStatus(done, &job, model.JobCompleted, "", obs)
	}
	metrics.Jobs.WithLabelValues(string(job.Status)).Inc()
	if r.Notifier != nil {
		if _, nerr := r.Notifier.JobFinished(done, job, res); nerr != nil {
			r.Pipeline.logf("[jobs] job %s callback: %v", job.ID, nerr)
		}
	}
	return res, err
}

func (r *Runner) setStatus(ctx context.Context, job *model.Job, status model.JobStatus, msg string, obs progress.Observer) {
	job.Status, job.Error = status, msg
	if err := r.Store.UpdateJobStatus(ctx, job.ID, status, msg); err != nil {
		r.Pipeline.logf("[jobs] job %s status %s: %v", job.ID, status, err)
	}
	obs.Observe(progress.Event{Kind: progress.KindJobStatus, ProblemID: problemID(job), Message: fmt.Sprint(status)})
}

func problemID(job *model.Job) string {
	if job.Problem == nil {
		return ""
	}
	return job.Problem.ID
}
