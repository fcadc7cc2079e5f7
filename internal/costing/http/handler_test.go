package costinghttp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-costing/internal/accounting/periods"
	"github.com/odyssey-erp/odyssey-costing/internal/costing"
	"github.com/odyssey-erp/odyssey-costing/internal/shared"
)

type stubService struct {
	wacFn       func(ctx context.Context, orgID, branchID, itemID uuid.UUID) (decimal.Decimal, error)
	layerFn     func(ctx context.Context, orgID, branchID, userID uuid.UUID, input costing.CostLayerInput) (costing.CostLayerResult, error)
	receiveFn   func(ctx context.Context, orgID, branchID, userID uuid.UUID, input costing.ReceiptInput) (costing.CostLayerResult, error)
	seedFn      func(ctx context.Context, orgID, branchID, userID uuid.UUID, input costing.SeedInput) (costing.CostLayerResult, error)
	valuationFn func(ctx context.Context, orgID, branchID uuid.UUID, filter costing.ValuationFilter) (costing.Valuation, error)
	historyFn   func(ctx context.Context, orgID, branchID, itemID uuid.UUID, limit int) ([]costing.CostLayer, error)
}

func (s *stubService) GetCurrentWac(ctx context.Context, orgID, branchID, itemID uuid.UUID) (decimal.Decimal, error) {
	return s.wacFn(ctx, orgID, branchID, itemID)
}

func (s *stubService) CreateCostLayer(ctx context.Context, orgID, branchID, userID uuid.UUID, input costing.CostLayerInput) (costing.CostLayerResult, error) {
	return s.layerFn(ctx, orgID, branchID, userID, input)
}

func (s *stubService) ReceiveStock(ctx context.Context, orgID, branchID, userID uuid.UUID, input costing.ReceiptInput) (costing.CostLayerResult, error) {
	return s.receiveFn(ctx, orgID, branchID, userID, input)
}

func (s *stubService) SeedInitialCost(ctx context.Context, orgID, branchID, userID uuid.UUID, input costing.SeedInput) (costing.CostLayerResult, error) {
	return s.seedFn(ctx, orgID, branchID, userID, input)
}

func (s *stubService) GetValuation(ctx context.Context, orgID, branchID uuid.UUID, filter costing.ValuationFilter) (costing.Valuation, error) {
	return s.valuationFn(ctx, orgID, branchID, filter)
}

func (s *stubService) GetCostLayerHistory(ctx context.Context, orgID, branchID, itemID uuid.UUID, limit int) ([]costing.CostLayer, error) {
	return s.historyFn(ctx, orgID, branchID, itemID, limit)
}

var testPrincipal = shared.Principal{OrgID: uuid.New(), UserID: uuid.New()}

func newRouter(svc *stubService) http.Handler {
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithPrincipal(req.Context(), testPrincipal)))
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
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, reader))
	return rr
}

func TestCreateLayerDecodesInput(t *testing.T) {
	branchID, itemID := uuid.New(), uuid.New()
	svc := &stubService{
		layerFn: func(ctx context.Context, orgID, gotBranch, userID uuid.UUID, input costing.CostLayerInput) (costing.CostLayerResult, error) {
			require.Equal(t, testPrincipal.OrgID, orgID)
			require.Equal(t, branchID, gotBranch)
			require.Equal(t, itemID, input.ItemID)
			require.True(t, input.QtyReceived.Equal(decimal.NewFromInt(10)))
			require.True(t, input.UnitCost.Equal(decimal.RequireFromString("200.5")))
			require.Equal(t, "PO-1", input.SourceID)
			return costing.CostLayerResult{ItemID: itemID, NewWac: decimal.RequireFromString("150.25")}, nil
		},
	}
	body := `{"branch_id":"` + branchID.String() + `","item_id":"` + itemID.String() + `","qty_received":"10","unit_cost":200.5,"source_type":"RECEIPT","source_id":"PO-1"}`
	rr := do(t, newRouter(svc), http.MethodPost, "/costing/layers", body)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.Contains(t, rr.Body.String(), `"new_wac":"150.25"`)
}

func TestCreateLayerValidates(t *testing.T) {
	router := newRouter(&stubService{})
	rr := do(t, router, http.MethodPost, "/costing/layers", `{"branch_id":"`+uuid.NewString()+`","qty_received":"1","unit_cost":"1","source_type":"RECEIPT","source_id":"x"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, router, http.MethodPost, "/costing/layers", `{"item_id":"`+uuid.NewString()+`","source_type":"RECEIPT","source_id":"x"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReceiveMapsClosedPeriod(t *testing.T) {
	svc := &stubService{
		receiveFn: func(ctx context.Context, orgID, branchID, userID uuid.UUID, input costing.ReceiptInput) (costing.CostLayerResult, error) {
			return costing.CostLayerResult{}, &periods.ClosedError{Code: periods.CodePeriodClosed, Operation: "cost_layer.create"}
		},
	}
	body := `{"branch_id":"` + uuid.NewString() + `","item_id":"` + uuid.NewString() + `","location_id":"` + uuid.NewString() + `","qty":"5","unit_cost":"10","source_id":"GRN-9"}`
	rr := do(t, newRouter(svc), http.MethodPost, "/costing/receipts", body)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), periods.CodePeriodClosed)
}

func TestSeedReturnsOKWhenIdempotent(t *testing.T) {
	svc := &stubService{
		seedFn: func(ctx context.Context, orgID, branchID, userID uuid.UUID, input costing.SeedInput) (costing.CostLayerResult, error) {
			return costing.CostLayerResult{IsIdempotent: true}, nil
		},
	}
	rr := do(t, newRouter(svc), http.MethodPost, "/costing/seed", `{"branch_id":"`+uuid.NewString()+`","item_id":"`+uuid.NewString()+`","unit_cost":"12"}`)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestLockTimeoutIsUnavailable(t *testing.T) {
	svc := &stubService{
		seedFn: func(ctx context.Context, orgID, branchID, userID uuid.UUID, input costing.SeedInput) (costing.CostLayerResult, error) {
			return costing.CostLayerResult{}, costing.ErrLockTimeout
		},
	}
	rr := do(t, newRouter(svc), http.MethodPost, "/costing/seed", `{"branch_id":"`+uuid.NewString()+`","item_id":"`+uuid.NewString()+`","unit_cost":"12"}`)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCurrentWacRequiresBranch(t *testing.T) {
	itemID, branchID := uuid.New(), uuid.New()
	svc := &stubService{
		wacFn: func(ctx context.Context, orgID, gotBranch, gotItem uuid.UUID) (decimal.Decimal, error) {
			require.Equal(t, branchID, gotBranch)
			require.Equal(t, itemID, gotItem)
			return decimal.NewFromInt(150), nil
		},
	}
	router := newRouter(svc)

	rr := do(t, router, http.MethodGet, "/costing/items/"+itemID.String()+"/wac", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, router, http.MethodGet, "/costing/items/"+itemID.String()+"/wac?branch_id="+branchID.String(), "")
	require.Equal(t, http.StatusOK, rr.Code)
	var body wacResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.True(t, body.Wac.Equal(decimal.NewFromInt(150)))
}

func TestHistoryPassesLimit(t *testing.T) {
	svc := &stubService{
		historyFn: func(ctx context.Context, orgID, branchID, itemID uuid.UUID, limit int) ([]costing.CostLayer, error) {
			require.Equal(t, 2, limit)
			return []costing.CostLayer{
				{ID: uuid.New(), ItemID: itemID, NewWac: decimal.NewFromInt(150), SourceType: costing.SourceReceipt, SourceID: "b"},
				{ID: uuid.New(), ItemID: itemID, NewWac: decimal.NewFromInt(100), SourceType: costing.SourceReceipt, SourceID: "a"},
			}, nil
		},
	}
	rr := do(t, newRouter(svc), http.MethodGet, "/costing/items/"+uuid.NewString()+"/layers?limit=2&branch_id="+uuid.NewString(), "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Items []layerView `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Len(t, body.Items, 2)
	require.Equal(t, "b", body.Items[0].SourceID)
}

func TestValuationCollapsesConcurrentRequests(t *testing.T) {
	branchID := uuid.New()
	var calls int32
	release := make(chan struct{})
	svc := &stubService{
		valuationFn: func(ctx context.Context, orgID, gotBranch uuid.UUID, filter costing.ValuationFilter) (costing.Valuation, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return costing.Valuation{OrgID: orgID, BranchID: gotBranch, TotalValue: decimal.NewFromInt(42)}, nil
		},
	}
	router := newRouter(svc)

	const callers = 5
	var wg sync.WaitGroup
	codes := make([]int, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/costing/valuation?branch_id="+branchID.String(), nil))
			codes[i] = rr.Code
			assert.Contains(t, rr.Body.String(), `"total_value":"42"`)
		}(i)
	}
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, atomic.LoadInt32(&calls), int32(callers))
	for _, code := range codes {
		require.Equal(t, http.StatusOK, code)
	}
}

func TestValuationRequiresBranch(t *testing.T) {
	rr := do(t, newRouter(&stubService{}), http.MethodGet, "/costing/valuation", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
