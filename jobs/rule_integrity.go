package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-suite/meridian/internal/jobs"
	"github.com/meridian-suite/meridian/internal/policy"
	"github.com/meridian-suite/meridian/internal/policy/domainexpr"
)

// RuleIntegrityJob audits the record-rule catalog for definitions that the
// domain compiler cannot recognise and for group rules without any group
// binding. Findings are logged and counted but never auto-corrected.
type RuleIntegrityJob struct {
	Store   policy.Store
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewRuleIntegrityJob initialises the integrity scan handler.
func NewRuleIntegrityJob(store policy.Store, logger *slog.Logger, metrics *jobmetrics.Metrics) *RuleIntegrityJob {
	return &RuleIntegrityJob{
		Store:   store,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

type integrityFinding struct {
	RuleID   int64
	RuleName string
	Model    string
	Severity string
	Reason   string
}

// Handle executes the integrity scan logic.
func (j *RuleIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("rule integrity: handler not configured")
	}

	start := j.now()
	tracker := j.metrics().Track(TaskPolicyIntegrity)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting rule integrity scan")

	rules, err := j.fetchRules(ctx)
	if err != nil {
		resultErr = err
		logger.Error("load record rules", slog.Any("error", err))
		return resultErr
	}

	findings := scanRules(rules)
	for _, f := range findings {
		logger.Warn("record rule finding",
			slog.Int64("rule_id", f.RuleID),
			slog.String("rule", f.RuleName),
			slog.String("model", f.Model),
			slog.String("severity", f.Severity),
			slog.String("reason", f.Reason),
		)
		j.metrics().AddFindings(f.Severity, f.Model, 1)
	}

	logger.Info("completed rule integrity scan",
		slog.Int("rules", len(rules)),
		slog.Int("findings", len(findings)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func scanRules(rules []policy.RecordRule) []integrityFinding {
	findings := make([]integrityFinding, 0)
	for _, rule := range rules {
		prog := domainexpr.Parse(rule.Domain)
		if !prog.Recognized() {
			findings = append(findings, integrityFinding{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Model:    rule.Model,
				Severity: "error",
				Reason:   "domain expression not recognised",
			})
		}
		if !rule.Global && len(rule.GroupIDs) == 0 {
			findings = append(findings, integrityFinding{
				RuleID:   rule.ID,
				RuleName: rule.Name,
				Model:    rule.Model,
				Severity: "warning",
				Reason:   "group rule has no group bindings",
			})
		}
	}
	return findings
}

func (j *RuleIntegrityJob) fetchRules(ctx context.Context) ([]policy.RecordRule, error) {
	if j.Store == nil {
		return nil, errors.New("rule integrity: store not configured")
	}
	return j.Store.RecordRules(ctx)
}

func (j *RuleIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPolicyIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskPolicyIntegrity))
}

func (j *RuleIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *RuleIntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
