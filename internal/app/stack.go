package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	periodclose "github.com/odyssey-erp/stockledger/internal/close"
	"github.com/odyssey-erp/stockledger/internal/delivery"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/money"
	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/periods"
	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/pob"
	"github.com/odyssey-erp/stockledger/internal/rbac"
	"github.com/odyssey-erp/stockledger/internal/reconciliation"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/variance"
	"github.com/odyssey-erp/stockledger/jobs"
)

// Stack holds every service of the ledger wired against one pool, one Redis
// client and one metrics registry. Both binaries build it the same way.
type Stack struct {
	Config    *Config
	Logger    *slog.Logger
	Pool      *pgxpool.Pool
	Tx        *db.Manager
	Redis     redis.UniversalClient
	Jobs      *jobs.Client
	Metrics   *observability.Metrics
	JobStats  *jobmetrics.Metrics
	Formatter *money.Formatter

	Idempotency    *shared.IdempotencyStore
	Periods        *periods.Service
	RBAC           *rbac.Service
	Inventory      *inventory.Service
	Variance       *variance.Service
	Deliveries     *delivery.Service
	POB            *pob.Service
	Reconciliation *reconciliation.Service
	PeriodClose    *periodclose.Service
}

// NewStack connects to PostgreSQL and Redis and builds the services.
func NewStack(ctx context.Context, cfg *Config, logger *slog.Logger) (*Stack, error) {
	tolerance, err := cfg.Tolerance()
	if err != nil {
		return nil, err
	}
	formatter, err := money.NewFormatter(cfg.Currency)
	if err != nil {
		return nil, fmt.Errorf("app: currency: %w", err)
	}

	pool, err := db.New(ctx, cfg.PGDSN, 0)
	if err != nil {
		return nil, err
	}
	rdb, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		pool.Close()
		return nil, err
	}
	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		_ = rdb.Close()
		pool.Close()
		return nil, err
	}

	metrics := observability.NewMetrics()
	tx := db.NewManager(pool, cfg.TxRetries)
	audit := shared.NewAuditLogger(pool)

	s := &Stack{
		Config:      cfg,
		Logger:      logger,
		Pool:        pool,
		Tx:          tx,
		Redis:       rdb,
		Jobs:        jobsClient,
		Metrics:     metrics,
		JobStats:    jobmetrics.NewMetrics(metrics.Registerer()),
		Formatter:   formatter,
		Idempotency: shared.NewIdempotencyStore(pool),
	}

	s.Periods = periods.NewService(periods.NewRepository(pool), logger.With(slog.String("module", "periods")))
	s.RBAC = rbac.NewService(rbac.NewRepository(pool), logger.With(slog.String("module", "rbac")))

	s.Inventory = inventory.NewService(inventory.NewRepository(tx), s.Periods, s.RBAC, audit,
		logger.With(slog.String("module", "inventory"))).
		WithApprovals(shared.NewApprovalRecorder(pool, logger)).
		WithObserver(metrics)

	s.Variance = variance.NewService(variance.NewRepository(pool), s.Periods, tolerance,
		logger.With(slog.String("module", "variance"))).
		WithSink(variance.NewAsynqSink(jobsClient))

	s.Deliveries = delivery.NewService(delivery.Config{
		Tx:          tx,
		Ledger:      s.Inventory,
		Variance:    s.Variance,
		NCR:         s.Variance,
		Idempotency: s.Idempotency,
		Audit:       audit,
		Logger:      logger.With(slog.String("module", "delivery")),
	})

	s.POB = pob.NewService(pob.NewRepository(pool), s.Periods, logger.With(slog.String("module", "pob")))

	s.Reconciliation = reconciliation.NewService(reconciliation.Deps{
		Store:   reconciliation.NewRepository(pool),
		Stock:   s.Inventory,
		Mandays: s.POB,
		Periods: s.Periods,
		Tx:      tx,
		Authz:   s.RBAC,
		Audit:   audit,
		Logger:  logger.With(slog.String("module", "reconciliation")),
	})

	s.PeriodClose = periodclose.NewService(periodclose.Deps{
		Periods:        s.Periods,
		Reconciliation: s.Reconciliation,
		Transfers:      periodclose.NewRepository(pool),
		Tx:             tx,
		Authz:          s.RBAC,
		Locker:         periodclose.NewRedisLocker(rdb),
		Audit:          audit,
		Observer:       metrics,
		LockTTL:        cfg.CloseLockTTL,
		Logger:         logger.With(slog.String("module", "close")),
	})

	return s, nil
}

// Close releases the connections held by the stack.
func (s *Stack) Close() {
	if s == nil {
		return
	}
	if err := s.Jobs.Close(); err != nil {
		s.Logger.Warn("jobs client close", slog.Any("error", err))
	}
	if err := s.Redis.Close(); err != nil {
		s.Logger.Warn("redis close", slog.Any("error", err))
	}
	s.Pool.Close()
}
