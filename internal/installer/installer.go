// Package installer runs install and uninstall jobs one at a time, in the
// order they were enqueued.
package installer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Executor performs a single job. It is called from the worker goroutine only.
type Executor interface {
	Execute(ctx context.Context, job Job) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, job Job) error

func (f ExecutorFunc) Execute(ctx context.Context, job Job) error { return f(ctx, job) }

// Installer is a FIFO queue drained by exactly one worker. Enqueue never
// blocks on job execution.
type Installer struct {
	exec   Executor
	logger *slog.Logger

	mu      sync.Mutex
	queue   []Job
	stopped bool

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once

	// OnError observes failed jobs after they are logged.
	OnError func(*JobError)
}

func New(exec Executor, logger *slog.Logger) *Installer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		exec:   exec,
		logger: logger.With("component", "installer"),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Enqueue appends job to the queue and wakes the worker.
func (in *Installer) Enqueue(job Job) error {
	if job.Method == 0 || job.Payload == "" {
		return ErrInvalidJob
	}
	in.mu.Lock()
	if in.stopped {
		in.mu.Unlock()
		return ErrStopped
	}
	in.queue = append(in.queue, job)
	depth := len(in.queue)
	in.mu.Unlock()

	in.logger.Info("job enqueued", "job", job.ID, "method", job.Method.String(), "payload", job.Payload, "depth", depth)
	select {
	case in.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns how many jobs are waiting, not counting one in flight.
func (in *Installer) Pending() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// Run is the single worker loop. It returns when ctx is done or Stop is
// called; a job already executing is allowed to finish first. Run may be
// called at most once.
func (in *Installer) Run(ctx context.Context) error {
	in.startMu.Lock()
	if in.started {
		in.startMu.Unlock()
		return errors.New("installer already running")
	}
	in.started = true
	in.startMu.Unlock()
	defer close(in.done)

	// Jobs finish even if the run context is cancelled mid-job.
	jobCtx := context.WithoutCancel(ctx)
	for {
		job, ok := in.next()
		if ok {
			in.execute(jobCtx, job)
			continue
		}
		select {
		case <-ctx.Done():
			in.discard()
			return nil
		case <-in.quit:
			in.discard()
			return nil
		case <-in.wake:
		}
	}
}

func (in *Installer) next() (Job, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopped || len(in.queue) == 0 {
		return Job{}, false
	}
	job := in.queue[0]
	in.queue = in.queue[1:]
	return job, true
}

func (in *Installer) execute(ctx context.Context, job Job) {
	in.logger.Info("job started", "job", job.ID, "method", job.Method.String(), "payload", job.Payload)
	if err := in.exec.Execute(ctx, job); err != nil {
		jerr := &JobError{Job: job, Err: err}
		in.logger.Error("job failed", "job", job.ID, "method", job.Method.String(), "err", err)
		if in.OnError != nil {
			in.OnError(jerr)
		}
		return
	}
	in.logger.Info("job finished", "job", job.ID, "method", job.Method.String())
}

func (in *Installer) discard() {
	in.mu.Lock()
	in.stopped = true
	dropped := in.queue
	in.queue = nil
	in.mu.Unlock()
	for _, job := range dropped {
		in.logger.Warn("job discarded", "job", job.ID, "method", job.Method.String(), "payload", job.Payload)
	}
}

// Stop refuses further jobs, discards queued ones and waits for the job in
// flight. It is idempotent and safe to call when Run was never started.
func (in *Installer) Stop() {
	in.stopOnce.Do(func() {
		in.mu.Lock()
		in.stopped = true
		in.mu.Unlock()
		close(in.quit)
	})

	in.startMu.Lock()
	started := in.started
	in.startMu.Unlock()
	if !started {
		in.discard()
		return
	}
	<-in.done
}
