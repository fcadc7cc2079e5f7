package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-costing/internal/cogs"
	jobmetrics "github.com/odyssey-erp/odyssey-costing/internal/jobs"
)

// CogsReconcilePayload selects the UTC day to reconcile. An empty Day means
// the previous day.
type CogsReconcilePayload struct {
	Day string `json:"day,omitempty"`
}

// CogsReporter builds reconciled COGS reports.
type CogsReporter interface {
	GetCogsReport(ctx context.Context, filter cogs.ReportFilter) (cogs.Report, error)
}

// ScopeLister finds the org and branch pairs with breakdowns in a window.
type ScopeLister interface {
	ListScopes(ctx context.Context, from, to time.Time) ([]cogs.Scope, error)
}

// CogsReconcileJob reconciles a day of breakdowns per branch. Alerts are
// logged and counted by the reconciler; the job only reports totals.
type CogsReconcileJob struct {
	Reports CogsReporter
	Scopes  ScopeLister
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewCogsReconcileJob constructs the job handler.
func NewCogsReconcileJob(reports CogsReporter, scopes ScopeLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *CogsReconcileJob {
	return &CogsReconcileJob{
		Reports: reports,
		Scopes:  scopes,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewCogsReconcileTask creates an Asynq task for the given day (2006-01-02).
func NewCogsReconcileTask(day string) (*asynq.Task, error) {
	body, err := json.Marshal(CogsReconcilePayload{Day: day})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCogsReconcile, body, asynq.Queue(QueueDefault)), nil
}

// Handle executes the reconciliation for one day.
func (j *CogsReconcileJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Reports == nil || j.Scopes == nil {
		return errors.New("cogs reconcile: dependencies not configured")
	}
	var payload CogsReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	from, err := j.window(payload.Day)
	if err != nil {
		j.log().Warn("invalid day", slog.String("day", payload.Day), slog.Any("error", err))
		return asynq.SkipRetry
	}
	to := from.AddDate(0, 0, 1)

	tracker := j.metrics().Track(TaskCogsReconcile)
	scopes, err := j.Scopes.ListScopes(ctx, from, to)
	if err != nil {
		j.log().Error("list scopes", slog.Any("error", err))
		return tracker.End(err)
	}
	critical := 0
	for _, scope := range scopes {
		branch := scope.BranchID
		report, err := j.Reports.GetCogsReport(ctx, cogs.ReportFilter{OrgID: scope.OrgID, BranchID: &branch, From: from, To: to})
		if err != nil {
			j.log().Error("cogs report", slog.String("org_id", scope.OrgID.String()), slog.String("branch_id", branch.String()), slog.Any("error", err))
			return tracker.End(err)
		}
		if report.Reconciliation.HasCritical() {
			critical++
		}
	}
	j.metrics().AddItems(TaskCogsReconcile, "clean", len(scopes)-critical)
	j.metrics().AddItems(TaskCogsReconcile, "critical", critical)
	j.log().Info("cogs reconciliation finished",
		slog.String("day", from.Format("2006-01-02")),
		slog.Int("scopes", len(scopes)),
		slog.Int("critical", critical))
	return tracker.End(nil)
}

func (j *CogsReconcileJob) window(day string) (time.Time, error) {
	if day == "" {
		now := j.now()
		today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return today.AddDate(0, 0, -1), nil
	}
	parsed, err := time.Parse("2006-01-02", day)
	if err != nil {
		return time.Time{}, fmt.Errorf("cogs reconcile: %w", err)
	}
	return parsed, nil
}

func (j *CogsReconcileJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *CogsReconcileJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskCogsReconcile))
	}
	return slog.Default().With(slog.String("job", TaskCogsReconcile))
}

func (j *CogsReconcileJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock().UTC()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *CogsReconcileJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
