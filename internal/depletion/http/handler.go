package depletionhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/periods"
	"github.com/odyssey-erp/odyssey-costing/internal/cogs"
	"github.com/odyssey-erp/odyssey-costing/internal/depletion"
	"github.com/odyssey-erp/odyssey-costing/internal/platform/httpx"
)

type depletionService interface {
	DepleteForOrder(ctx context.Context, orgID, orderID, branchID, userID uuid.UUID) (depletion.DepletionResult, error)
	Retry(ctx context.Context, orgID, depletionID, userID uuid.UUID) (depletion.DepletionResult, error)
	Skip(ctx context.Context, orgID, depletionID, userID uuid.UUID, reason string) (depletion.Depletion, error)
	GetByID(ctx context.Context, orgID, id uuid.UUID) (depletion.Depletion, error)
	GetByOrderID(ctx context.Context, orgID, orderID uuid.UUID) (depletion.Depletion, error)
	List(ctx context.Context, filter depletion.ListFilter) (depletion.Page, error)
	GetStats(ctx context.Context, filter depletion.StatsFilter) (depletion.Stats, error)
}

type cogsReporter interface {
	GetCogsReport(ctx context.Context, filter cogs.ReportFilter) (cogs.Report, error)
}

// Handler exposes the depletion orchestrator and the COGS report as JSON.
type Handler struct {
	logger    *slog.Logger
	service   depletionService
	reports   cogsReporter
	validator *validator.Validate
}

type depleteRequest struct {
	BranchID uuid.UUID `json:"branch_id" validate:"required"`
}

type skipRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// NewHandler constructs a depletion HTTP handler.
func NewHandler(logger *slog.Logger, service depletionService, reports cogsReporter) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		reports:   reports,
		validator: validator.New(),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/depletions", func(r chi.Router) {
		r.Get("/", h.list)
		r.Get("/stats", h.stats)
		r.Post("/orders/{orderID}", h.deplete)
		r.Get("/orders/{orderID}", h.getByOrder)
		r.Get("/{id}", h.get)
		r.Post("/{id}/retry", h.retry)
		r.Post("/{id}/skip", h.skip)
	})
	r.Get("/cogs/report", h.cogsReport)
}

func (h *Handler) deplete(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpx.RequirePrincipal(w, r)
	if !ok {
		return
	}
	orderID, err := httpx.URLUUID(r, "orderID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req depleteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	result, err := h.service.DepleteForOrder(r.Context(), principal.OrgID, orderID, req.BranchID, principal.UserID)
	if err != nil {
		h.respondError(w, "deplete order", err)
		return
	}
	status := http.StatusCreated
	if result.IsIdempotent {
		status = http.StatusOK
	}
	httpx.JSON(w, status, result)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpx.RequirePrincipal(w, r)
	if !ok {
		return
	}
	id, err := httpx.URLUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.Retry(r.Context(), principal.OrgID, id, principal.UserID)
	if err != nil {
		h.respondError(w, "retry depletion", err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) skip(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpx.RequirePrincipal(w, r)
	if !ok {
		return
	}
	id, err := httpx.URLUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req skipRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	d, err := h.service.Skip(r.Context(), principal.OrgID, id, principal.UserID, req.Reason)
	if err != nil {
		h.respondError(w, "skip depletion", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpx.RequirePrincipal(w, r)
	if !ok {
		return
	}
	id, err := httpx.URLUUID(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.GetByID(r.Context(), principal.OrgID, id)
	if err != nil {
		h.respondError(w, "get depletion", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) getByOrder(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpx.RequirePrincipal(w, r)
	if !ok {
		return
	}
	orderID, err := httpx.URLUUID(r, "orderID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.GetByOrderID(r.Context(), principal.OrgID, orderID)
	if err != nil {
		h.respondError(w, "get depletion by order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpx.RequirePrincipal(w, r)
	if !ok {
		return
	}
	filter := depletion.ListFilter{OrgID: principal.OrgID}
	if raw := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))); raw != "" {
		status := depletion.Status(raw)
		switch status {
		case depletion.StatusPending, depletion.StatusPosted, depletion.StatusFailed, depletion.StatusSkipped:
			filter.Status = &status
		default:
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown status "+raw)
			return
		}
	}
	var err error
	if filter.BranchID, err = httpx.QueryUUID(r, "branch_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.From, err = httpx.QueryTime(r, "from"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.To, err = httpx.QueryTime(r, "to"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.Page, err = httpx.QueryInt(r, "page", 1); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.PerPage, err = httpx.QueryInt(r, "per_page", 20); err != nil {
		httpx.RespondError(w, err)
		return
	}
	page, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.respondError(w, "list depletions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpx.RequirePrincipal(w, r)
	if !ok {
		return
	}
	filter := depletion.StatsFilter{OrgID: principal.OrgID}
	var err error
	if filter.BranchID, err = httpx.QueryUUID(r, "branch_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.From, err = httpx.QueryTime(r, "from"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.To, err = httpx.QueryTime(r, "to"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	stats, err := h.service.GetStats(r.Context(), filter)
	if err != nil {
		h.respondError(w, "depletion stats", err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) cogsReport(w http.ResponseWriter, r *http.Request) {
	principal, ok := httpx.RequirePrincipal(w, r)
	if !ok {
		return
	}
	filter := cogs.ReportFilter{OrgID: principal.OrgID}
	var err error
	if filter.BranchID, err = httpx.QueryUUID(r, "branch_id"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.From, err = httpx.QueryTime(r, "from"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.To, err = httpx.QueryTime(r, "to"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.reports.GetCogsReport(r.Context(), filter)
	if err != nil {
		h.respondError(w, "cogs report", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	var derr *depletion.Error
	switch {
	case errors.As(err, &derr):
		status := http.StatusUnprocessableEntity
		switch derr.Code {
		case depletion.CodeOrderNotFound:
			status = http.StatusNotFound
		case depletion.CodeOrderNotClosed:
			status = http.StatusConflict
		}
		httpx.ProblemCode(w, status, http.StatusText(status), string(derr.Code), derr.Message)
	case errors.Is(err, depletion.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, depletion.ErrInvalidInput), errors.Is(err, cogs.ErrInvalidInput):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, depletion.ErrNotRetryable), errors.Is(err, depletion.ErrNotSkippable), errors.Is(err, depletion.ErrStatusConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, periods.ErrPeriodClosed):
		httpx.ProblemCode(w, http.StatusConflict, "Conflict", string(depletion.CodePeriodLocked), err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
