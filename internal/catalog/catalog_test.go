package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestPlanLifetime(t *testing.T) {
	p := NewPlan("ten_1", "Forever", 0, Price{Amount: 100, Unit: "stars"}, nil)
	assert.True(t, p.Lifetime())
	assert.True(t, p.Public())

	p2 := NewPlan("ten_1", "Monthly", 30, Price{Amount: 500, Unit: "usd"}, nil)
	assert.False(t, p2.Lifetime())
}

func TestUpsertEndUserIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.UpsertEndUser(ctx, NewEndUser("ten_1", 555, "Ada", "ada"))
	require.NoError(t, err)

	second, err := store.UpsertEndUser(ctx, NewEndUser("ten_1", 555, "Ada L", "ada"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Ada L", second.FirstName)

	got, err := store.GetEndUserByExternalID(ctx, "ten_1", 555)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestEndUsersScopedPerTenant(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a, err := store.UpsertEndUser(ctx, NewEndUser("ten_a", 555, "Ada", ""))
	require.NoError(t, err)
	b, err := store.UpsertEndUser(ctx, NewEndUser("ten_b", 555, "Ada", ""))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

type fakeRefChecker struct {
	referenced bool
}

func (f *fakeRefChecker) PlanReferenced(context.Context, string) (bool, error) {
	return f.referenced, nil
}

func setupCatalogRouter(t *testing.T, refs PlanRefChecker) (*gin.Engine, Store) {
	t.Helper()
	store := NewMemoryStore()
	h := NewHandler(store, refs)
	r := gin.New()
	h.RegisterRoutes(r.Group("/admin"))
	return r, store
}

func TestCreatePlanValidatesResources(t *testing.T) {
	r, store := setupCatalogRouter(t, &fakeRefChecker{})
	ctx := context.Background()

	res := NewResource("ten_1", -100123, "VIP Lounge", AccessInviteLink, "")
	require.NoError(t, store.CreateResource(ctx, res))

	body, _ := json.Marshal(PlanRequest{
		Name: "Monthly", DurationDays: 30, PriceAmount: 500, PriceUnit: "usd",
		ResourceIDs: []string{res.ID},
	})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/tenants/ten_1/plans", bytes.NewReader(body))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	// a resource belonging to another tenant is rejected
	body, _ = json.Marshal(PlanRequest{
		Name: "Sneaky", DurationDays: 30, PriceAmount: 500, PriceUnit: "usd",
		ResourceIDs: []string{res.ID},
	})
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/admin/tenants/ten_2/plans", bytes.NewReader(body))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdatePlanDurationLockedOnceReferenced(t *testing.T) {
	refs := &fakeRefChecker{}
	r, store := setupCatalogRouter(t, refs)
	ctx := context.Background()

	p := NewPlan("ten_1", "Monthly", 30, Price{Amount: 500, Unit: "usd"}, nil)
	require.NoError(t, store.CreatePlan(ctx, p))

	patch := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPatch, "/admin/plans/"+p.ID, bytes.NewReader([]byte(body)))
		r.ServeHTTP(w, req)
		return w
	}

	// unreferenced: duration may still change
	w := patch(`{"durationDays": 60}`)
	require.Equal(t, http.StatusOK, w.Code)

	refs.referenced = true
	w = patch(`{"durationDays": 90}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	// price stays mutable regardless
	w = patch(`{"priceAmount": 700, "visibility": "unlisted"}`)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := store.GetPlan(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, got.DurationDays)
	assert.Equal(t, int64(700), got.Price.Amount)
	assert.Equal(t, VisibilityUnlisted, got.Visibility)
}

func TestCreateResourceRequiresStaticLink(t *testing.T) {
	r, _ := setupCatalogRouter(t, nil)

	body, _ := json.Marshal(ResourceRequest{ChatID: -100555, Access: "static_link"})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/admin/tenants/ten_1/resources", bytes.NewReader(body))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body, _ = json.Marshal(ResourceRequest{
		ChatID: -100555, Access: "static_link", StaticLink: "https://t.example/joinchat/abc",
	})
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/admin/tenants/ten_1/resources", bytes.NewReader(body))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
}
