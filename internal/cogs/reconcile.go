package cogs

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/odyssey-erp/odyssey-costing/internal/observability"
)

// Severity grades a reconciliation alert.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert codes.
const (
	AlertEmptyReport       = "EMPTY_REPORT"
	AlertLinesOutOfBounds  = "LINES_OUT_OF_BOUNDS"
	AlertTotalOutOfBounds  = "TOTAL_OUT_OF_BOUNDS"
	AlertReconciliationGap = "RECON_DELTA"
)

// Alert is a structured reconciliation finding.
type Alert struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// Reconciliation summarises a set of breakdown lines.
type Reconciliation struct {
	LineCount      int              `json:"line_count"`
	TotalCogs      decimal.Decimal  `json:"total_cogs"`
	OrderCogsTotal *decimal.Decimal `json:"order_cogs_total,omitempty"`
	Delta          *decimal.Decimal `json:"delta,omitempty"`
	Alerts         []Alert          `json:"alerts"`
}

// HasCritical reports whether any alert is CRITICAL.
func (r Reconciliation) HasCritical() bool {
	for _, a := range r.Alerts {
		if a.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// ReconcileConfig holds alert bounds. Zero MaxLines and nil totals disable the
// corresponding check.
type ReconcileConfig struct {
	MinLines int
	MaxLines int
	MinTotal *decimal.Decimal
	MaxTotal *decimal.Decimal
	Epsilon  decimal.Decimal
}

// Reconciler evaluates COGS lines against configured bounds.
type Reconciler struct {
	cfg     ReconcileConfig
	logger  *slog.Logger
	metrics *observability.CostingMetrics
	printer *message.Printer
}

// NewReconciler builds a Reconciler. A non-positive epsilon defaults to one unit.
func NewReconciler(cfg ReconcileConfig, logger *slog.Logger, metrics *observability.CostingMetrics) *Reconciler {
	if !cfg.Epsilon.IsPositive() {
		cfg.Epsilon = decimal.NewFromInt(1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{cfg: cfg, logger: logger, metrics: metrics, printer: message.NewPrinter(language.English)}
}

// Reconcile computes totals and alerts. It only reads; alerts never block writes.
func (r *Reconciler) Reconcile(ctx context.Context, lines []Breakdown, orderCogsTotal *decimal.Decimal) Reconciliation {
	rec := Reconciliation{TotalCogs: decimal.Zero, OrderCogsTotal: orderCogsTotal}
	for _, line := range lines {
		if line.IsDeleted() {
			continue
		}
		rec.LineCount++
		rec.TotalCogs = rec.TotalCogs.Add(line.LineCogs)
	}

	if rec.LineCount == 0 {
		rec.Alerts = append(rec.Alerts, Alert{SeverityInfo, AlertEmptyReport, "no COGS lines in range"})
	}
	switch {
	case rec.LineCount < r.cfg.MinLines:
		rec.Alerts = append(rec.Alerts, Alert{SeverityWarning, AlertLinesOutOfBounds,
			r.printer.Sprintf("line count %d below minimum %d", rec.LineCount, r.cfg.MinLines)})
	case r.cfg.MaxLines > 0 && rec.LineCount > r.cfg.MaxLines:
		rec.Alerts = append(rec.Alerts, Alert{SeverityWarning, AlertLinesOutOfBounds,
			r.printer.Sprintf("line count %d above maximum %d", rec.LineCount, r.cfg.MaxLines)})
	}
	if r.cfg.MinTotal != nil && rec.TotalCogs.LessThan(*r.cfg.MinTotal) {
		rec.Alerts = append(rec.Alerts, Alert{SeverityWarning, AlertTotalOutOfBounds,
			r.printer.Sprintf("COGS total %v below minimum %v", money(rec.TotalCogs), money(*r.cfg.MinTotal))})
	}
	if r.cfg.MaxTotal != nil && rec.TotalCogs.GreaterThan(*r.cfg.MaxTotal) {
		rec.Alerts = append(rec.Alerts, Alert{SeverityCritical, AlertTotalOutOfBounds,
			r.printer.Sprintf("COGS total %v above maximum %v", money(rec.TotalCogs), money(*r.cfg.MaxTotal))})
	}
	if orderCogsTotal != nil {
		delta := rec.TotalCogs.Sub(*orderCogsTotal)
		rec.Delta = &delta
		if delta.Abs().GreaterThan(r.cfg.Epsilon) {
			rec.Alerts = append(rec.Alerts, Alert{SeverityCritical, AlertReconciliationGap,
				r.printer.Sprintf("breakdown total %v differs from order COGS %v by %v",
					money(rec.TotalCogs), money(*orderCogsTotal), money(delta))})
		}
	}

	for _, alert := range rec.Alerts {
		r.metrics.CogsAlert(string(alert.Severity), alert.Code)
		r.logger.Log(ctx, alertLevel(alert.Severity), "cogs reconciliation alert",
			slog.String("severity", string(alert.Severity)),
			slog.String("code", alert.Code),
			slog.String("message", alert.Message),
			slog.Int("line_count", rec.LineCount),
			slog.String("total_cogs", rec.TotalCogs.String()),
		)
	}
	return rec
}

func alertLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func money(v decimal.Decimal) number.Formatter {
	return number.Decimal(v.Round(2).InexactFloat64(), number.Scale(2))
}
