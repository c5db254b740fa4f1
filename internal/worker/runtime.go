package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Runtime is the worker's main loop: reload config, gate on work hours,
// claim, execute, report. Heartbeats run on their own ticker so the
// coordinator sees the worker even mid-encode or off-hours.
type Runtime struct {
	config   *ConfigStore
	client   *Client
	status   *StatusFile
	executor *Executor
	logger   *slog.Logger

	// Once makes the loop exit after a single claim attempt: clean when
	// idle or the job completed, with the job's error otherwise.
	Once bool
}

func NewRuntime(config *ConfigStore, client *Client, status *StatusFile, executor *Executor, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		config:   config,
		client:   client,
		status:   status,
		executor: executor,
		logger:   logger.With(slog.String("component", "runtime")),
	}
}

// Run blocks until ctx is cancelled (or, with Once, after one iteration).
func (rt *Runtime) Run(ctx context.Context) error {
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go rt.heartbeatLoop(heartbeatCtx)

	for {
		if ctx.Err() != nil {
			return nil
		}
		cfg := rt.config.ReloadIfChanged()

		done, err := rt.iterate(ctx, cfg)
		if rt.Once {
			return err
		}
		if err != nil {
			rt.logger.Error("job failed", slog.String("error", err.Error()))
		}
		if done {
			continue
		}
		if !sleepCtx(ctx, time.Duration(cfg.PollIntervalSec)*time.Second) {
			return nil
		}
	}
}

// iterate runs one loop pass. done=true means a job ran and the next claim
// should follow immediately.
func (rt *Runtime) iterate(ctx context.Context, cfg Config) (done bool, err error) {
	if !InWorkHours(cfg.WorkHours, time.Now()) {
		rt.writeIdle("")
		return false, nil
	}

	claim, err := rt.client.ClaimJob(ctx, cfg.WorkerID, cfg.Name)
	if err != nil {
		rt.logger.Warn("claim failed", slog.String("error", err.Error()))
		return false, nil
	}
	if claim == nil {
		rt.writeIdle("")
		return false, nil
	}

	// The coordinator may have resolved us to a different worker record
	// (matched by name); adopt its id for the rest of the job.
	if claim.Job.WorkerID != "" && claim.Job.WorkerID != cfg.WorkerID {
		cfg.WorkerID = claim.Job.WorkerID
	}

	rt.logger.Info("job claimed",
		slog.String("job", claim.Job.ID),
		slog.String("item", claim.Item.Path))

	if err := rt.client.Start(ctx, claim.Job.ID); err != nil {
		return false, err
	}

	if runErr := rt.executor.Execute(ctx, cfg, claim); runErr != nil {
		message := runErr.Error()
		if failErr := rt.client.Fail(ctx, claim.Job.ID, message); failErr != nil {
			rt.logger.Error("fail report failed", slog.String("error", failErr.Error()))
		}
		rt.writeIdle(message)
		if errors.Is(runErr, errCancelled) {
			return true, nil
		}
		return true, runErr
	}

	if err := rt.client.Complete(ctx, claim.Job.ID, OutputSize(claim)); err != nil {
		return false, err
	}
	rt.logger.Info("job completed", slog.String("job", claim.Job.ID))
	rt.writeIdle("")
	return true, nil
}

func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		cfg := rt.config.Current()
		rt.client.Heartbeat(ctx, cfg.WorkerID, cfg.Name, cfg.WorkHours, InWorkHours(cfg.WorkHours, time.Now()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (rt *Runtime) writeIdle(lastError string) {
	if rt.status == nil {
		return
	}
	_ = rt.status.Write(Status{State: StateIdle, LastError: lastError})
}

// sleepCtx sleeps for d, returning false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
