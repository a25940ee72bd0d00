package close

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/jobs"
)

// Executor is the close operation run by the worker.
type Executor interface {
	ExecuteClose(ctx context.Context, periodID, actorID int64) (Summary, error)
}

// Job executes queued period closes.
type Job struct {
	executor Executor
	logger   *slog.Logger
}

// NewJob constructs the asynq handler.
func NewJob(executor Executor, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{executor: executor, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract. A held lock is retried;
// precondition failures need a person and are not.
func (j *Job) Handle(ctx context.Context, task *asynq.Task) error {
	payload, err := jobs.DecodePeriodClose(task)
	if err != nil {
		return err
	}
	summary, err := j.executor.ExecuteClose(ctx, payload.PeriodID, payload.ActorID)
	if err != nil {
		var pre *shared.ClosePreconditionError
		if errors.As(err, &pre) {
			j.logger.Warn("period close incomplete",
				slog.Int64("period_id", payload.PeriodID),
				slog.Any("failing_locations", pre.FailingLocations()),
				slog.Int("closed", len(summary.Closed)),
				slog.String("reasons", pre.Error()))
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		if errors.Is(err, ErrNoLocations) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	j.logger.Info("period close job done",
		slog.Int64("period_id", payload.PeriodID),
		slog.Any("closed", summary.ClosedLocations()),
		slog.Any("already_closed", summary.AlreadyClosed))
	return nil
}
