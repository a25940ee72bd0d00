package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries period close runs ahead of housekeeping.
	QueueCritical = "critical"

	// TaskPeriodClose executes a period close for every enrolled location.
	TaskPeriodClose = "period:close"
	// TaskStockIntegrity compares stock rows with the movement log.
	TaskStockIntegrity = "stock:integrity"
	// TaskNCRPriceVariance hands a price variance to the NCR workflow.
	TaskNCRPriceVariance = "ncr:price_variance"
	// TaskNCRHandoffSweep resubmits variances the NCR queue never accepted.
	TaskNCRHandoffSweep = "ncr:handoff_sweep"
	// TaskIdempotencyCleanup prunes expired posting keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// PeriodClosePayload identifies the period to close and who asked.
type PeriodClosePayload struct {
	PeriodID int64 `json:"period_id"`
	ActorID  int64 `json:"actor_id"`
}

// StockIntegrityPayload optionally narrows the scan to one location.
type StockIntegrityPayload struct {
	LocationID   int64     `json:"location_id,omitempty"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NCRVariancePayload is the variance record handed to the NCR workflow.
type NCRVariancePayload struct {
	VarianceID    string `json:"variance_id"`
	MovementID    string `json:"movement_id"`
	DeliveryID    string `json:"delivery_id,omitempty"`
	LocationID    int64  `json:"location_id"`
	ItemID        int64  `json:"item_id"`
	PeriodID      int64  `json:"period_id"`
	ExpectedPrice string `json:"expected_price"`
	ActualPrice   string `json:"actual_price"`
	Quantity      string `json:"quantity"`
	VarianceValue string `json:"variance_value"`
	Direction     string `json:"direction"`
}

// NCRHandoffSweepPayload bounds one sweep.
type NCRHandoffSweepPayload struct {
	Limit int `json:"limit"`
}

// IdempotencyCleanupPayload sets the key retention.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

func periodCloseTaskID(periodID int64) string {
	return fmt.Sprintf("period-close-%d", periodID)
}

// NewPeriodCloseTask constructs a close task. The task id dedupes concurrent
// enqueues for the same period.
func NewPeriodCloseTask(payload PeriodClosePayload) (*asynq.Task, error) {
	if payload.PeriodID == 0 || payload.ActorID == 0 {
		return nil, errors.New("jobs: period close requires period and actor")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPeriodClose, body,
		asynq.Queue(QueueCritical),
		asynq.TaskID(periodCloseTaskID(payload.PeriodID)),
		asynq.MaxRetry(5),
		asynq.Timeout(10*time.Minute)), nil
}

// NewStockIntegrityTask constructs an integrity scan task.
func NewStockIntegrityTask(locationID int64, at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(StockIntegrityPayload{LocationID: locationID, ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockIntegrity, body, asynq.Queue(QueueDefault)), nil
}

// NewNCRVarianceTask constructs a variance handoff task.
func NewNCRVarianceTask(payload NCRVariancePayload) (*asynq.Task, error) {
	if payload.VarianceID == "" {
		return nil, errors.New("jobs: variance id required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNCRPriceVariance, body,
		asynq.Queue(QueueDefault),
		asynq.TaskID("ncr-"+payload.VarianceID),
		asynq.MaxRetry(10)), nil
}

// NewNCRHandoffSweepTask constructs a handoff sweep task.
func NewNCRHandoffSweepTask(limit int) (*asynq.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	body, err := json.Marshal(NCRHandoffSweepPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNCRHandoffSweep, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask constructs a key cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	hours := int(retention / time.Hour)
	if hours <= 0 {
		hours = 24 * 30
	}
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: hours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}

// DecodePeriodClose parses a close task payload.
func DecodePeriodClose(t *asynq.Task) (PeriodClosePayload, error) {
	var payload PeriodClosePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("jobs: decode period close: %v: %w", err, asynq.SkipRetry)
	}
	if payload.PeriodID == 0 {
		return payload, fmt.Errorf("jobs: period close without period: %w", asynq.SkipRetry)
	}
	return payload, nil
}

// DecodeNCRVariance parses a variance handoff payload.
func DecodeNCRVariance(t *asynq.Task) (NCRVariancePayload, error) {
	var payload NCRVariancePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("jobs: decode ncr variance: %v: %w", err, asynq.SkipRetry)
	}
	if payload.VarianceID == "" {
		return payload, fmt.Errorf("jobs: ncr variance without id: %w", asynq.SkipRetry)
	}
	return payload, nil
}

// DecodeNCRHandoffSweep parses a sweep payload. An empty payload uses the
// default limit.
func DecodeNCRHandoffSweep(t *asynq.Task) (NCRHandoffSweepPayload, error) {
	var payload NCRHandoffSweepPayload
	if len(t.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("jobs: decode ncr handoff sweep: %v: %w", err, asynq.SkipRetry)
	}
	return payload, nil
}
