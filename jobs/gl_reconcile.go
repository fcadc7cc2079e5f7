package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-costing/internal/depletion"
	jobmetrics "github.com/odyssey-erp/odyssey-costing/internal/jobs"
)

// GLReconcilePayload bounds one reconciliation pass.
type GLReconcilePayload struct {
	Limit int `json:"limit"`
}

// GLReconciler re-posts journals for depletions whose GL step did not land.
type GLReconciler interface {
	ReconcileGL(ctx context.Context, limit int) (depletion.ReconcileSummary, error)
}

// GLReconcileJob drives depletion GL reconciliation from the queue.
type GLReconcileJob struct {
	Service      GLReconciler
	Logger       *slog.Logger
	Metrics      *jobmetrics.Metrics
	DefaultLimit int
}

// NewGLReconcileJob constructs the job handler.
func NewGLReconcileJob(service GLReconciler, defaultLimit int, logger *slog.Logger, metrics *jobmetrics.Metrics) *GLReconcileJob {
	if defaultLimit <= 0 {
		defaultLimit = 100
	}
	return &GLReconcileJob{Service: service, Logger: logger, Metrics: metrics, DefaultLimit: defaultLimit}
}

// NewGLReconcileTask creates an Asynq task for GL reconciliation.
func NewGLReconcileTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(GLReconcilePayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskGLReconcile, body, asynq.Queue(QueueDefault)), nil
}

// Handle executes one reconciliation pass.
func (j *GLReconcileJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("gl reconcile: dependencies not configured")
	}
	var payload GLReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = j.DefaultLimit
	}

	tracker := j.metrics().Track(TaskGLReconcile)
	summary, err := j.Service.ReconcileGL(ctx, limit)
	m := j.metrics()
	m.AddItems(TaskGLReconcile, "posted", summary.Posted)
	m.AddItems(TaskGLReconcile, "failed", summary.Failed)
	m.AddItems(TaskGLReconcile, "skipped", summary.Skipped)
	if err != nil {
		j.log().Error("reconcile gl", slog.Int("scanned", summary.Scanned), slog.Any("error", err))
		return tracker.End(err)
	}
	level := slog.LevelInfo
	if summary.Failed > 0 {
		level = slog.LevelWarn
	}
	j.log().Log(ctx, level, "gl reconciliation finished",
		slog.Int("scanned", summary.Scanned),
		slog.Int("posted", summary.Posted),
		slog.Int("failed", summary.Failed),
		slog.Int("skipped", summary.Skipped))
	return tracker.End(nil)
}

func (j *GLReconcileJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *GLReconcileJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskGLReconcile))
	}
	return slog.Default().With(slog.String("job", TaskGLReconcile))
}
