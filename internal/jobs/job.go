package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Task is one unit of periodic work.
type Task func(ctx context.Context) error

// Recorder receives job outcomes. *Metrics implements it.
type Recorder interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// Default timing for periodic jobs.
const (
	DefaultInterval = time.Minute
	DefaultTimeout  = 30 * time.Second
)

// Config configures a PeriodicJob.
type Config struct {
	// Name is the job type label used in logs and metrics.
	Name string
	// Interval is the duration between runs.
	Interval time.Duration
	// Timeout bounds a single run.
	Timeout time.Duration
	// RunOnStart runs the task once immediately after Start.
	RunOnStart bool
	Logger     *slog.Logger
	Metrics    Recorder
}

// PeriodicJob runs a task on a fixed interval until stopped.
type PeriodicJob struct {
	config Config
	task   Task

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPeriodicJob creates a job running task every config.Interval.
func NewPeriodicJob(config Config, task Task) *PeriodicJob {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &PeriodicJob{config: config, task: task}
}

// Name returns the job type label.
func (j *PeriodicJob) Name() string {
	return j.config.Name
}

// Start begins the periodic loop. It returns immediately; calling Start on a
// running job is a no-op.
func (j *PeriodicJob) Start(ctx context.Context) {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
}

// Stop signals the loop to exit and waits for an in-flight run to finish.
func (j *PeriodicJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh, doneCh := j.stopCh, j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning reports whether the loop is active.
func (j *PeriodicJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *PeriodicJob) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	if j.config.RunOnStart {
		_ = j.RunOnce(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("job stopping due to context cancellation", "job", j.config.Name)
			return
		case <-j.stopCh:
			j.config.Logger.Info("job stopping due to stop signal", "job", j.config.Name)
			return
		case <-ticker.C:
			_ = j.RunOnce(ctx)
		}
	}
}

// RunOnce runs the task immediately with the configured timeout and records
// the outcome.
func (j *PeriodicJob) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, j.config.Timeout)
	defer cancel()

	start := time.Now()
	err := j.task(ctx)
	duration := time.Since(start).Seconds()

	status := StatusSuccess
	if err != nil {
		status = StatusFailure
		errorType := "task_error"
		if errors.Is(err, context.DeadlineExceeded) {
			errorType = "timeout"
		}
		var typed interface{ ErrorType() string }
		if errors.As(err, &typed) {
			errorType = typed.ErrorType()
		}
		if j.config.Metrics != nil {
			j.config.Metrics.IncJobErrors(j.config.Name, errorType)
		}
		j.config.Logger.Error("job failed",
			"job", j.config.Name,
			"error_type", errorType,
			"error", err,
			"duration_seconds", duration)
	} else {
		j.config.Logger.Debug("job completed",
			"job", j.config.Name,
			"duration_seconds", duration)
	}

	if j.config.Metrics != nil {
		j.config.Metrics.IncJobsTotal(j.config.Name, status)
		j.config.Metrics.ObserveJobDuration(j.config.Name, duration)
	}
	return err
}
