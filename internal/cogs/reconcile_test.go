package cogs

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-costing/internal/observability"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	v := dec(s)
	return &v
}

func line(cogs string) Breakdown {
	return Breakdown{ID: uuid.New(), ItemID: uuid.New(), QtyDepleted: dec("1"), UnitCost: dec(cogs), LineCogs: dec(cogs)}
}

func codes(alerts []Alert) map[string]Severity {
	out := make(map[string]Severity, len(alerts))
	for _, a := range alerts {
		out[a.Code] = a.Severity
	}
	return out
}

func TestReconcileEmptyReport(t *testing.T) {
	r := NewReconciler(ReconcileConfig{}, nil, nil)
	rec := r.Reconcile(context.Background(), nil, nil)
	require.Equal(t, 0, rec.LineCount)
	require.True(t, rec.TotalCogs.IsZero())
	require.Equal(t, map[string]Severity{AlertEmptyReport: SeverityInfo}, codes(rec.Alerts))
	require.False(t, rec.HasCritical())
}

func TestReconcileIgnoresTombstonedLines(t *testing.T) {
	r := NewReconciler(ReconcileConfig{}, nil, nil)
	deleted := line("500")
	deleted.Deleted = &Tombstone{Reason: "retry"}
	rec := r.Reconcile(context.Background(), []Breakdown{line("100"), deleted}, nil)
	require.Equal(t, 1, rec.LineCount)
	require.True(t, rec.TotalCogs.Equal(dec("100")))
	require.Empty(t, rec.Alerts)
}

func TestReconcileBounds(t *testing.T) {
	r := NewReconciler(ReconcileConfig{MinLines: 2, MaxLines: 3, MinTotal: decPtr("50"), MaxTotal: decPtr("1000")}, nil, nil)

	low := r.Reconcile(context.Background(), []Breakdown{line("10")}, nil)
	require.Equal(t, map[string]Severity{
		AlertLinesOutOfBounds: SeverityWarning,
		AlertTotalOutOfBounds: SeverityWarning,
	}, codes(low.Alerts))

	require.Contains(t, low.Alerts[0].Message, "line count 1 below minimum 2")

	crowded := r.Reconcile(context.Background(), []Breakdown{line("20"), line("20"), line("20"), line("20")}, nil)
	require.Equal(t, map[string]Severity{AlertLinesOutOfBounds: SeverityWarning}, codes(crowded.Alerts))
	require.Contains(t, crowded.Alerts[0].Message, "line count 4 above maximum 3")

	high := r.Reconcile(context.Background(), []Breakdown{line("600"), line("600")}, nil)
	require.Equal(t, map[string]Severity{AlertTotalOutOfBounds: SeverityCritical}, codes(high.Alerts))
	require.True(t, high.HasCritical())
	require.Contains(t, high.Alerts[0].Message, "1,200.00")
}

func TestReconcileMinLinesWithoutUpperBound(t *testing.T) {
	r := NewReconciler(ReconcileConfig{MinLines: 3}, nil, nil)
	rec := r.Reconcile(context.Background(), []Breakdown{line("10")}, nil)
	require.Len(t, rec.Alerts, 1)
	require.Equal(t, AlertLinesOutOfBounds, rec.Alerts[0].Code)
	require.Equal(t, "line count 1 below minimum 3", rec.Alerts[0].Message)
	require.NotContains(t, rec.Alerts[0].Message, "0]")

	many := make([]Breakdown, 0, 50)
	for i := 0; i < 50; i++ {
		many = append(many, line("1"))
	}
	require.Empty(t, r.Reconcile(context.Background(), many, nil).Alerts)
}

func TestReconcileDeltaAgainstOrderTotal(t *testing.T) {
	r := NewReconciler(ReconcileConfig{}, nil, nil)

	within := r.Reconcile(context.Background(), []Breakdown{line("1000"), line("4000")}, decPtr("5000.5"))
	require.NotNil(t, within.Delta)
	require.True(t, within.Delta.Equal(dec("-0.5")))
	require.Empty(t, within.Alerts)

	beyond := r.Reconcile(context.Background(), []Breakdown{line("1000"), line("4000")}, decPtr("4990"))
	require.True(t, beyond.Delta.Equal(dec("10")))
	require.Equal(t, map[string]Severity{AlertReconciliationGap: SeverityCritical}, codes(beyond.Alerts))
	require.Contains(t, beyond.Alerts[0].Message, "5,000.00")
	require.Contains(t, beyond.Alerts[0].Message, "4,990.00")
}

func TestReconcileCustomEpsilon(t *testing.T) {
	r := NewReconciler(ReconcileConfig{Epsilon: dec("0.01")}, nil, nil)
	rec := r.Reconcile(context.Background(), []Breakdown{line("100")}, decPtr("100.05"))
	require.True(t, rec.HasCritical())
}

func TestReconcileLogsAndCountsAlerts(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	reg := prometheus.NewRegistry()
	metrics := observability.NewCostingMetrics(reg)

	r := NewReconciler(ReconcileConfig{MaxTotal: decPtr("10")}, logger, metrics)
	r.Reconcile(context.Background(), []Breakdown{line("100")}, decPtr("1"))

	out := buf.String()
	require.Contains(t, out, "level=ERROR")
	require.Contains(t, out, "code=TOTAL_OUT_OF_BOUNDS")
	require.Contains(t, out, "code=RECON_DELTA")

	series, err := testutil.GatherAndCount(reg, "odyssey_costing_cogs_alerts_total")
	require.NoError(t, err)
	require.Equal(t, 2, series)
}
