// Package maintenance runs housekeeping tasks on a cron schedule.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/karthikraju391/go-nats-dm-relay/config"
	"github.com/karthikraju391/go-nats-dm-relay/logger"
	"github.com/karthikraju391/go-nats-dm-relay/metrics"
)

// Task is one named housekeeping step.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type Scheduler struct {
	cron  string
	tasks []Task
}

func New(cron string, tasks ...Task) *Scheduler {
	return &Scheduler{cron: cron, tasks: tasks}
}

// RunOnce runs every task in order. A failing task does not stop the
// others; their errors are joined.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	var errs []error
	for _, t := range s.tasks {
		if err := t.Run(ctx); err != nil {
			logger.Error("maintenance_task_failed", "task", t.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		metrics.MaintenanceRuns.WithLabelValues(metrics.OutcomeFailed).Inc()
	} else {
		metrics.MaintenanceRuns.WithLabelValues(metrics.OutcomeOK).Inc()
	}
	logger.Debug("maintenance_run_done", "tasks", len(s.tasks), "elapsed", time.Since(start))
	return err
}

// Start launches the scheduler if enabled and returns its cancel func.
func Start(ctx context.Context, cfg config.MaintenanceConfig, tasks ...Task) (context.CancelFunc, error) {
	if !cfg.Enabled {
		logger.Info("maintenance_disabled")
		return func() {}, nil
	}
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid maintenance cron expression: %s", cfg.Cron)
	}

	s := New(cfg.Cron, tasks...)
	ctx2, cancel := context.WithCancel(ctx)
	go s.loop(ctx2)
	logger.Info("maintenance_scheduler_started", "cron", cfg.Cron, "tasks", len(tasks))
	return cancel, nil
}

// loop sleeps until the next cron tick and runs the tasks, one run at a
// time.
func (s *Scheduler) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cron, time.Now().UTC(), false)
		if err != nil {
			logger.Error("maintenance_nexttick_failed", "cron", s.cron, "error", err)
			next = time.Now().Add(30 * time.Second)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info("maintenance_scheduler_stopping")
			return
		case <-timer.C:
			_ = s.RunOnce(ctx)
		}
	}
}
