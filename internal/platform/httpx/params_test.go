package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-costing/internal/shared"
)

func TestQueryParams(t *testing.T) {
	branch := uuid.New()
	r := httptest.NewRequest(http.MethodGet, "/?branch_id="+branch.String()+"&from=2026-03-01&to=2026-03-10T12:00:00%2B07:00&limit=5&zero=true", nil)

	id, err := QueryUUID(r, "branch_id")
	require.NoError(t, err)
	require.Equal(t, branch, *id)

	missing, err := QueryUUID(r, "org_id")
	require.NoError(t, err)
	require.Nil(t, missing)

	from, err := QueryTime(r, "from")
	require.NoError(t, err)
	require.True(t, from.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))

	to, err := QueryTime(r, "to")
	require.NoError(t, err)
	require.True(t, to.Equal(time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC)))

	limit, err := QueryInt(r, "limit", 20)
	require.NoError(t, err)
	require.Equal(t, 5, limit)
	page, err := QueryInt(r, "page", 1)
	require.NoError(t, err)
	require.Equal(t, 1, page)

	require.True(t, QueryBool(r, "zero"))
	require.False(t, QueryBool(r, "absent"))
}

func TestQueryParamsRejectGarbage(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?branch_id=main&from=yesterday&limit=-1", nil)

	_, err := QueryUUID(r, "branch_id")
	require.ErrorIs(t, err, ErrValidation)
	_, err = QueryTime(r, "from")
	require.ErrorIs(t, err, ErrValidation)
	_, err = QueryInt(r, "limit", 20)
	require.ErrorIs(t, err, ErrValidation)
}

func TestURLUUID(t *testing.T) {
	id := uuid.New()
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", id.String())
	rctx.URLParams.Add("nil", uuid.Nil.String())
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))

	got, err := URLUUID(r, "id")
	require.NoError(t, err)
	require.Equal(t, id, got)

	_, err = URLUUID(r, "nil")
	require.ErrorIs(t, err, ErrValidation)
}

func TestRequirePrincipal(t *testing.T) {
	rec := httptest.NewRecorder()
	_, ok := RequirePrincipal(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.False(t, ok)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	org := uuid.New()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(shared.ContextWithPrincipal(r.Context(), shared.Principal{OrgID: org}))
	rec = httptest.NewRecorder()
	p, ok := RequirePrincipal(rec, r)
	require.True(t, ok)
	require.Equal(t, org, p.OrgID)
}
