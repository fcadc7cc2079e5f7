package costinghttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/periods"
	"github.com/odyssey-erp/odyssey-costing/internal/costing"
	"github.com/odyssey-erp/odyssey-costing/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-costing/internal/shared"
)

type costingService interface {
	GetCurrentWac(ctx context.Context, orgID, branchID, itemID uuid.UUID) (decimal.Decimal, error)
	CreateCostLayer(ctx context.Context, orgID, branchID, userID uuid.UUID, input costing.CostLayerInput) (costing.CostLayerResult, error)
	ReceiveStock(ctx context.Context, orgID, branchID, userID uuid.UUID, input costing.ReceiptInput) (costing.CostLayerResult, error)
	SeedInitialCost(ctx context.Context, orgID, branchID, userID uuid.UUID, input costing.SeedInput) (costing.CostLayerResult, error)
	GetValuation(ctx context.Context, orgID, branchID uuid.UUID, filter costing.ValuationFilter) (costing.Valuation, error)
	GetCostLayerHistory(ctx context.Context, orgID, branchID, itemID uuid.UUID, limit int) ([]costing.CostLayer, error)
}

// Handler exposes the WAC engine as JSON.
type Handler struct {
	logger     *slog.Logger
	service    costingService
	validator  *validator.Validate
	valuations singleflight.Group
}

type layerRequest struct {
	BranchID uuid.UUID `json:"branch_id" validate:"required"`
	costing.CostLayerInput
}

type receiptRequest struct {
	BranchID uuid.UUID `json:"branch_id" validate:"required"`
	costing.ReceiptInput
}

type seedRequest struct {
	BranchID uuid.UUID `json:"branch_id" validate:"required"`
	costing.SeedInput
}

type wacResponse struct {
	ItemID   uuid.UUID       `json:"item_id"`
	BranchID uuid.UUID       `json:"branch_id"`
	Wac      decimal.Decimal `json:"wac"`
}

type layerView struct {
	ID          uuid.UUID       `json:"id"`
	ItemID      uuid.UUID       `json:"item_id"`
	LocationID  *uuid.UUID      `json:"location_id,omitempty"`
	QtyReceived decimal.Decimal `json:"qty_received"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	PriorWac    decimal.Decimal `json:"prior_wac"`
	NewWac      decimal.Decimal `json:"new_wac"`
	SourceType  string          `json:"source_type"`
	SourceID    string          `json:"source_id"`
	EffectiveAt time.Time       `json:"effective_at"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewHandler constructs a costing HTTP handler.
func NewHandler(logger *slog.Logger, service costingService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/costing", func(r chi.Router) {
		r.Post("/layers", h.createLayer)
		r.Post("/receipts", h.receive)
		r.Post("/seed", h.seed)
		r.Get("/valuation", h.valuation)
		r.Get("/items/{itemID}/wac", h.currentWac)
		r.Get("/items/{itemID}/layers", h.history)
	})
}

func (h *Handler) createLayer(w http.ResponseWriter, r *http.Request) {
	var req layerRequest
	principal, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	result, err := h.service.CreateCostLayer(r.Context(), principal.OrgID, req.BranchID, principal.UserID, req.CostLayerInput)
	if err != nil {
		h.respondError(w, "create cost layer", err)
		return
	}
	httpx.JSON(w, createdStatus(result), result)
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	principal, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	result, err := h.service.ReceiveStock(r.Context(), principal.OrgID, req.BranchID, principal.UserID, req.ReceiptInput)
	if err != nil {
		h.respondError(w, "receive stock", err)
		return
	}
	httpx.JSON(w, createdStatus(result), result)
}

func (h *Handler) seed(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	principal, ok := h.decode(w, r, &req)
	if !ok {
		return
	}
	result, err := h.service.SeedInitialCost(r.Context(), principal.OrgID, req.BranchID, principal.UserID, req.SeedInput)
	if err != nil {
		h.respondError(w, "seed initial cost", err)
		return
	}
	httpx.JSON(w, createdStatus(result), result)
}

func (h *Handler) currentWac(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpx.RequirePrincipal(w, r)
	if !ok {
		return
	}
	itemID, branchID, ok := itemScope(w, r)
	if !ok {
		return
	}
	wac, err := h.service.GetCurrentWac(r.Context(), principal.OrgID, branchID, itemID)
	if err != nil {
		h.respondError(w, "current wac", err)
		return
	}
	httpx.JSON(w, http.StatusOK, wacResponse{ItemID: itemID, BranchID: branchID, Wac: wac})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpx.RequirePrincipal(w, r)
	if !ok {
		return
	}
	itemID, branchID, ok := itemScope(w, r)
	if !ok {
		return
	}
	limit, err := httpx.QueryInt(r, "limit", 50)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	layers, err := h.service.GetCostLayerHistory(r.Context(), principal.OrgID, branchID, itemID, limit)
	if err != nil {
		h.respondError(w, "cost layer history", err)
		return
	}
	out := make([]layerView, 0, len(layers))
	for _, l := range layers {
		out = append(out, layerView{
			ID:          l.ID,
			ItemID:      l.ItemID,
			LocationID:  l.LocationID,
			QtyReceived: l.QtyReceived,
			UnitCost:    l.UnitCost,
			PriorWac:    l.PriorWac,
			NewWac:      l.NewWac,
			SourceType:  l.SourceType,
			SourceID:    l.SourceID,
			EffectiveAt: l.EffectiveAt,
			CreatedAt:   l.CreatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": out})
}

func (h *Handler) valuation(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpx.RequirePrincipal(w, r)
	if !ok {
		return
	}
	branchID, err := httpx.QueryUUID(r, "branch_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if branchID == nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "branch_id is required")
		return
	}
	filter := costing.ValuationFilter{IncludeZeroStock: httpx.QueryBool(r, "include_zero")}
	key := principal.OrgID.String() + "|" + branchID.String()
	if filter.IncludeZeroStock {
		key += "|zero"
	}
	ctx := r.Context()
	ch := h.valuations.DoChan(key, func() (interface{}, error) {
		return h.service.GetValuation(context.WithoutCancel(ctx), principal.OrgID, *branchID, filter)
	})
	select {
	case <-ctx.Done():
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", ctx.Err().Error())
	case res := <-ch:
		if res.Err != nil {
			h.respondError(w, "valuation", res.Err)
			return
		}
		httpx.JSON(w, http.StatusOK, res.Val)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) (shared.Principal, bool) {
	principal, ok := httpx.RequirePrincipal(w, r)
	if !ok {
		return principal, false
	}
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return principal, false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return principal, false
	}
	return principal, true
}

func itemScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	itemID, err := httpx.URLUUID(r, "itemID")
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	branchID, err := httpx.QueryUUID(r, "branch_id")
	if err != nil {
		httpx.RespondError(w, err)
		return uuid.Nil, uuid.Nil, false
	}
	if branchID == nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "branch_id is required")
		return uuid.Nil, uuid.Nil, false
	}
	return itemID, *branchID, true
}

func createdStatus(result costing.CostLayerResult) int {
	if result.IsIdempotent {
		return http.StatusOK
	}
	return http.StatusCreated
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, costing.ErrInvalidInput):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, costing.ErrLayerNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, periods.ErrPeriodClosed):
		httpx.ProblemCode(w, http.StatusConflict, "Conflict", periods.CodePeriodClosed, err.Error())
	case errors.Is(err, costing.ErrLockTimeout):
		h.logger.Warn(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
