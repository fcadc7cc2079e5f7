package jobs

import (
	jobmetrics "github.com/odyssey-erp/odyssey-costing/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskGLReconcile re-attempts GL posting for settled depletions.
	TaskGLReconcile = "costing:gl_reconcile"
	// TaskCogsReconcile checks COGS breakdowns against order totals.
	TaskCogsReconcile = "costing:cogs_reconcile"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)
