package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/meridian-suite/meridian/internal/jobs"
	"github.com/meridian-suite/meridian/internal/policy"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const defaultWarmupLimit = 200

// PolicyWarmupJob pre-resolves effective groups and model-access caches for
// recently active principals so interactive requests hit warm caches.
type PolicyWarmupJob struct {
	Policy  *policy.Service
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewPolicyWarmupJob wires dependencies for the warmup handler.
func NewPolicyWarmupJob(policySvc *policy.Service, pool *pgxpool.Pool, logger *slog.Logger, metrics *jobmetrics.Metrics) *PolicyWarmupJob {
	return &PolicyWarmupJob{
		Policy:  policySvc,
		Pool:    pool,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes policy warmup tasks.
func (j *PolicyWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("policy warmup: handler not configured")
	}
	var payload PolicyWarmupPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultWarmupLimit
	}

	tracker := j.metrics().Track(TaskPolicyWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int("limit", payload.Limit))
	logger.Info("starting policy warmup")

	ids, err := j.fetchPrincipals(ctx, payload.Limit)
	if err != nil {
		resultErr = err
		logger.Error("load warmup principals", slog.Any("error", err))
		return resultErr
	}
	if len(ids) == 0 {
		logger.Info("no principals discovered for warmup")
		return resultErr
	}

	start := j.now()
	warmed := 0
	for _, id := range ids {
		if err := j.warmPrincipal(ctx, id); err != nil {
			resultErr = err
			logger.Error("warm principal", slog.Int64("principal_id", id), slog.Any("error", err))
			return resultErr
		}
		warmed++
	}

	logger.Info("completed policy warmup", slog.Int("principals", warmed), slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *PolicyWarmupJob) warmPrincipal(ctx context.Context, id int64) error {
	if j.Policy == nil {
		return nil
	}
	// Bound each principal so one slow resolution cannot stall the run.
	warmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := j.Policy.ResolveEffectiveGroups(warmCtx, id); err != nil {
		if errors.Is(err, policy.ErrPrincipalNotFound) {
			return nil
		}
		return err
	}
	if _, err := j.Policy.GetUserPermissions(warmCtx, id); err != nil {
		if errors.Is(err, policy.ErrPrincipalNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func (j *PolicyWarmupJob) fetchPrincipals(ctx context.Context, limit int) ([]int64, error) {
	if j.Pool == nil {
		return nil, errors.New("policy warmup: pool not configured")
	}
	rows, err := j.Pool.Query(ctx, `SELECT id FROM users WHERE is_active ORDER BY updated_at DESC NULLS LAST, id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (j *PolicyWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPolicyWarmup))
	}
	return slog.Default().With(slog.String("job", TaskPolicyWarmup))
}

func (j *PolicyWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *PolicyWarmupJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
