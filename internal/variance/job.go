package variance

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/jobs"
)

// Enqueuer is the slice of jobs.Client used for the NCR handoff.
type Enqueuer interface {
	EnqueueNCRVariance(ctx context.Context, payload jobs.NCRVariancePayload) (*asynq.TaskInfo, error)
}

// AsynqSink hands variance records to the NCR queue.
type AsynqSink struct {
	client Enqueuer
}

// NewAsynqSink constructs the sink.
func NewAsynqSink(client Enqueuer) *AsynqSink {
	return &AsynqSink{client: client}
}

// Submit implements NCRSink. A record already queued is not an error.
func (s *AsynqSink) Submit(ctx context.Context, rec Record) error {
	payload := jobs.NCRVariancePayload{
		VarianceID:    rec.ID.String(),
		MovementID:    rec.MovementID.String(),
		LocationID:    rec.LocationID,
		ItemID:        rec.ItemID,
		PeriodID:      rec.PeriodID,
		ExpectedPrice: rec.ExpectedPrice.String(),
		ActualPrice:   rec.ActualPrice.String(),
		Quantity:      rec.Quantity.String(),
		VarianceValue: rec.VarianceValue.String(),
		Direction:     string(rec.Direction),
	}
	if rec.DeliveryID.Valid {
		payload.DeliveryID = rec.DeliveryID.UUID.String()
	}
	_, err := s.client.EnqueueNCRVariance(ctx, payload)
	if errors.Is(err, jobs.ErrAlreadyQueued) {
		return nil
	}
	return err
}

// HandoffJob is the worker side of the NCR queue. The NCR workflow owns the
// record from here on; the job confirms the record exists and logs the handoff.
type HandoffJob struct {
	service *Service
	logger  *slog.Logger
}

// NewHandoffJob constructs a job handler.
func NewHandoffJob(service *Service, logger *slog.Logger) *HandoffJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &HandoffJob{service: service, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *HandoffJob) Handle(ctx context.Context, task *asynq.Task) error {
	payload, err := jobs.DecodeNCRVariance(task)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(payload.VarianceID)
	if err != nil {
		return asynq.SkipRetry
	}
	rec, err := j.service.GetRecord(ctx, id)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			j.logger.Warn("ncr handoff for unknown variance", slog.String("variance_id", payload.VarianceID))
			return asynq.SkipRetry
		}
		j.logger.Error("ncr handoff", slog.String("variance_id", payload.VarianceID), slog.Any("error", err))
		return err
	}
	j.logger.Info("variance handed to ncr",
		slog.String("variance_id", rec.ID.String()),
		slog.Int64("location_id", rec.LocationID),
		slog.Int64("period_id", rec.PeriodID),
		slog.String("direction", string(rec.Direction)),
		slog.String("value", rec.VarianceValue.String()))
	return nil
}

// SweepJob resubmits variance records whose handoff failed after commit.
type SweepJob struct {
	service *Service
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewSweepJob constructs the sweep handler.
func NewSweepJob(service *Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *SweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepJob{service: service, logger: logger, metrics: metrics}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *SweepJob) Handle(ctx context.Context, task *asynq.Task) error {
	payload, err := jobs.DecodeNCRHandoffSweep(task)
	if err != nil {
		return err
	}
	tracker := j.metrics.Track(jobs.TaskNCRHandoffSweep)
	res, err := j.service.SweepHandoffs(ctx, payload.Limit)
	if err != nil {
		j.logger.Error("ncr handoff sweep", slog.Any("error", err))
		return tracker.End(err)
	}
	if res.Pending > 0 {
		j.logger.Info("ncr handoff sweep",
			slog.Int("pending", res.Pending),
			slog.Int("handed_off", res.HandedOff),
			slog.Int("failed", res.Failed))
	}
	return tracker.End(nil)
}
