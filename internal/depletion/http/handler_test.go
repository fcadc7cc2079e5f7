package depletionhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/periods"
	"github.com/odyssey-erp/odyssey-costing/internal/cogs"
	"github.com/odyssey-erp/odyssey-costing/internal/depletion"
	"github.com/odyssey-erp/odyssey-costing/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-costing/internal/shared"
)

type stubService struct {
	depleteFn  func(ctx context.Context, orgID, orderID, branchID, userID uuid.UUID) (depletion.DepletionResult, error)
	retryFn    func(ctx context.Context, orgID, depletionID, userID uuid.UUID) (depletion.DepletionResult, error)
	skipFn     func(ctx context.Context, orgID, depletionID, userID uuid.UUID, reason string) (depletion.Depletion, error)
	getFn      func(ctx context.Context, orgID, id uuid.UUID) (depletion.Depletion, error)
	getOrderFn func(ctx context.Context, orgID, orderID uuid.UUID) (depletion.Depletion, error)
	listFn     func(ctx context.Context, filter depletion.ListFilter) (depletion.Page, error)
	statsFn    func(ctx context.Context, filter depletion.StatsFilter) (depletion.Stats, error)
}

func (s *stubService) DepleteForOrder(ctx context.Context, orgID, orderID, branchID, userID uuid.UUID) (depletion.DepletionResult, error) {
	return s.depleteFn(ctx, orgID, orderID, branchID, userID)
}

func (s *stubService) Retry(ctx context.Context, orgID, depletionID, userID uuid.UUID) (depletion.DepletionResult, error) {
	return s.retryFn(ctx, orgID, depletionID, userID)
}

func (s *stubService) Skip(ctx context.Context, orgID, depletionID, userID uuid.UUID, reason string) (depletion.Depletion, error) {
	return s.skipFn(ctx, orgID, depletionID, userID, reason)
}

func (s *stubService) GetByID(ctx context.Context, orgID, id uuid.UUID) (depletion.Depletion, error) {
	return s.getFn(ctx, orgID, id)
}

func (s *stubService) GetByOrderID(ctx context.Context, orgID, orderID uuid.UUID) (depletion.Depletion, error) {
	return s.getOrderFn(ctx, orgID, orderID)
}

func (s *stubService) List(ctx context.Context, filter depletion.ListFilter) (depletion.Page, error) {
	return s.listFn(ctx, filter)
}

func (s *stubService) GetStats(ctx context.Context, filter depletion.StatsFilter) (depletion.Stats, error) {
	return s.statsFn(ctx, filter)
}

type stubReporter struct {
	fn func(ctx context.Context, filter cogs.ReportFilter) (cogs.Report, error)
}

func (s stubReporter) GetCogsReport(ctx context.Context, filter cogs.ReportFilter) (cogs.Report, error) {
	return s.fn(ctx, filter)
}

var testPrincipal = shared.Principal{OrgID: uuid.New(), UserID: uuid.New()}

func newRouter(svc *stubService, reports stubReporter) http.Handler {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc, reports)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("X-Anonymous") == "" {
				req = req.WithContext(shared.ContextWithPrincipal(req.Context(), testPrincipal))
			}
			next.ServeHTTP(w, req)
		})
	})
	h.MountRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func problem(t *testing.T, rr *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	var p httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	return p
}

func TestDepleteCreatesDepletion(t *testing.T) {
	orderID, branchID := uuid.New(), uuid.New()
	svc := &stubService{
		depleteFn: func(ctx context.Context, orgID, gotOrder, gotBranch, userID uuid.UUID) (depletion.DepletionResult, error) {
			require.Equal(t, testPrincipal.OrgID, orgID)
			require.Equal(t, testPrincipal.UserID, userID)
			require.Equal(t, orderID, gotOrder)
			require.Equal(t, branchID, gotBranch)
			return depletion.DepletionResult{
				Depletion: depletion.Depletion{ID: uuid.New(), OrderID: orderID, Status: depletion.StatusPosted},
				TotalCogs: decimal.NewFromInt(5000),
			}, nil
		},
	}
	rr := do(t, newRouter(svc, stubReporter{}), http.MethodPost, "/depletions/orders/"+orderID.String(), `{"branch_id":"`+branchID.String()+`"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	var body depletion.DepletionResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, depletion.StatusPosted, body.Depletion.Status)
	require.True(t, body.TotalCogs.Equal(decimal.NewFromInt(5000)))
}

func TestDepleteReturnsOKWhenIdempotent(t *testing.T) {
	svc := &stubService{
		depleteFn: func(ctx context.Context, orgID, orderID, branchID, userID uuid.UUID) (depletion.DepletionResult, error) {
			return depletion.DepletionResult{IsIdempotent: true}, nil
		},
	}
	rr := do(t, newRouter(svc, stubReporter{}), http.MethodPost, "/depletions/orders/"+uuid.NewString(), `{"branch_id":"`+uuid.NewString()+`"}`)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestDepleteValidatesRequest(t *testing.T) {
	svc := &stubService{}
	router := newRouter(svc, stubReporter{})

	rr := do(t, router, http.MethodPost, "/depletions/orders/not-a-uuid", `{"branch_id":"`+uuid.NewString()+`"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, router, http.MethodPost, "/depletions/orders/"+uuid.NewString(), `{}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, router, http.MethodPost, "/depletions/orders/"+uuid.NewString(), `{`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDepleteRequiresPrincipal(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/depletions/orders/"+uuid.NewString(), strings.NewReader(`{}`))
	req.Header.Set("X-Anonymous", "1")
	rr := httptest.NewRecorder()
	newRouter(&stubService{}, stubReporter{}).ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestDepleteMapsRejections(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "order missing", err: &depletion.Error{Code: depletion.CodeOrderNotFound, Message: "missing"}, status: http.StatusNotFound, code: "ORDER_NOT_FOUND"},
		{name: "order open", err: &depletion.Error{Code: depletion.CodeOrderNotClosed, Message: "open"}, status: http.StatusConflict, code: "ORDER_NOT_CLOSED"},
		{name: "period closed", err: &periods.ClosedError{Code: periods.CodePeriodClosed}, status: http.StatusConflict, code: "PERIOD_LOCKED"},
		{name: "invalid", err: depletion.ErrInvalidInput, status: http.StatusBadRequest},
		{name: "unexpected", err: errors.New("connection reset"), status: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{
				depleteFn: func(ctx context.Context, orgID, orderID, branchID, userID uuid.UUID) (depletion.DepletionResult, error) {
					return depletion.DepletionResult{}, tc.err
				},
			}
			rr := do(t, newRouter(svc, stubReporter{}), http.MethodPost, "/depletions/orders/"+uuid.NewString(), `{"branch_id":"`+uuid.NewString()+`"}`)
			require.Equal(t, tc.status, rr.Code)
			p := problem(t, rr)
			require.Equal(t, tc.code, p.Code)
			if tc.status == http.StatusInternalServerError {
				require.NotContains(t, rr.Body.String(), "connection reset")
			}
		})
	}
}

func TestRetryAndSkip(t *testing.T) {
	id := uuid.New()
	var skipReason string
	svc := &stubService{
		retryFn: func(ctx context.Context, orgID, depletionID, userID uuid.UUID) (depletion.DepletionResult, error) {
			require.Equal(t, id, depletionID)
			return depletion.DepletionResult{}, depletion.ErrNotRetryable
		},
		skipFn: func(ctx context.Context, orgID, depletionID, userID uuid.UUID, reason string) (depletion.Depletion, error) {
			skipReason = reason
			return depletion.Depletion{ID: depletionID, Status: depletion.StatusSkipped}, nil
		},
	}
	router := newRouter(svc, stubReporter{})

	rr := do(t, router, http.MethodPost, "/depletions/"+id.String()+"/retry", "")
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = do(t, router, http.MethodPost, "/depletions/"+id.String()+"/skip", `{"reason":"   "}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, router, http.MethodPost, "/depletions/"+id.String()+"/skip", `{"reason":" comped meal "}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "comped meal", skipReason)
}

func TestGetReturnsNotFound(t *testing.T) {
	svc := &stubService{
		getFn: func(ctx context.Context, orgID, id uuid.UUID) (depletion.Depletion, error) {
			return depletion.Depletion{}, depletion.ErrNotFound
		},
		getOrderFn: func(ctx context.Context, orgID, orderID uuid.UUID) (depletion.Depletion, error) {
			return depletion.Depletion{OrderID: orderID, Status: depletion.StatusFailed, ErrorCode: depletion.CodeInsufficientStock}, nil
		},
	}
	router := newRouter(svc, stubReporter{})

	rr := do(t, router, http.MethodGet, "/depletions/"+uuid.NewString(), "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, router, http.MethodGet, "/depletions/orders/"+uuid.NewString(), "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"error_code":"INSUFFICIENT_STOCK"`)
}

func TestListParsesFilters(t *testing.T) {
	branchID := uuid.New()
	svc := &stubService{
		listFn: func(ctx context.Context, filter depletion.ListFilter) (depletion.Page, error) {
			require.Equal(t, testPrincipal.OrgID, filter.OrgID)
			require.NotNil(t, filter.Status)
			require.Equal(t, depletion.StatusFailed, *filter.Status)
			require.Equal(t, branchID, *filter.BranchID)
			require.True(t, filter.From.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
			require.Equal(t, 2, filter.Page)
			require.Equal(t, 5, filter.PerPage)
			return depletion.Page{Pagination: shared.NewPagination(2, 5, 6)}, nil
		},
	}
	router := newRouter(svc, stubReporter{})

	rr := do(t, router, http.MethodGet, "/depletions?status=failed&branch_id="+branchID.String()+"&from=2026-03-01&page=2&per_page=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"total_pages":2`)

	rr = do(t, router, http.MethodGet, "/depletions?status=LOST", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, router, http.MethodGet, "/depletions?from=yesterday", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStats(t *testing.T) {
	svc := &stubService{
		statsFn: func(ctx context.Context, filter depletion.StatsFilter) (depletion.Stats, error) {
			require.Nil(t, filter.BranchID)
			return depletion.Stats{Total: 3, ByStatus: map[depletion.Status]int{depletion.StatusPosted: 3}, CogsTotal: decimal.NewFromInt(15000)}, nil
		},
	}
	rr := do(t, newRouter(svc, stubReporter{}), http.MethodGet, "/depletions/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"POSTED":3`)
}

func TestCogsReport(t *testing.T) {
	reports := stubReporter{fn: func(ctx context.Context, filter cogs.ReportFilter) (cogs.Report, error) {
		if filter.To.IsZero() {
			return cogs.Report{}, cogs.ErrInvalidInput
		}
		return cogs.Report{OrgID: filter.OrgID, TotalCogs: decimal.NewFromInt(5000)}, nil
	}}
	router := newRouter(&stubService{}, reports)

	rr := do(t, router, http.MethodGet, "/cogs/report?from=2026-03-01&to=2026-04-01", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"total_cogs":"5000"`)

	rr = do(t, router, http.MethodGet, "/cogs/report?from=2026-03-01", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
