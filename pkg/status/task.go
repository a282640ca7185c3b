package status

import (
	"context"
	"log/slog"
	"time"
)

var (
	StatusInterval = 30 * time.Second
)

type Task interface {
	Progress() Progress
	Status() string // prints to logger, to return value
	Cancel()        // a callback to be able to cancel the task.
}

// WatchTask periodically does the status reporting for a task,
// writing the current state to the logger until the task closes.
func WatchTask(ctx context.Context, task Task, logger *slog.Logger) {
	go continuallyDumpStatus(ctx, task, logger)
}

func continuallyDumpStatus(ctx context.Context, task Task, logger *slog.Logger) {
	ticker := time.NewTicker(StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := task.Progress().CurrentState
			if state >= Close {
				return
			}
			logger.Info(task.Status()) // call the task to write the status
		}
	}
}
