package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/billfold-app/billfold/internal/billing"
	"github.com/billfold-app/billfold/internal/config"
	"github.com/billfold-app/billfold/internal/provider"
)

type fakeCache struct {
	views       map[string]billing.SubscriptionView
	err         error
	invalidated []string
}

func (f *fakeCache) Get(_ context.Context, userID string) (billing.SubscriptionView, error) {
	if f.err != nil {
		return billing.SubscriptionView{}, f.err
	}
	if v, ok := f.views[userID]; ok {
		return v, nil
	}
	return billing.SubscriptionView{UserID: userID, Status: billing.ViewStatusNone}, nil
}

func (f *fakeCache) Invalidate(userID, _ string) {
	f.invalidated = append(f.invalidated, userID)
}

type fakeAppSyncer struct {
	synced []string
	err    error
}

func (f *fakeAppSyncer) Sync(_ context.Context, customerID string) error {
	if f.err != nil {
		return f.err
	}
	f.synced = append(f.synced, customerID)
	return nil
}

type fakeMappings struct {
	mappings map[string]string // user id -> customer id
	err      error
}

func (f *fakeMappings) GetMappingByUserID(_ context.Context, userID string) (*billing.CustomerMapping, error) {
	if f.err != nil {
		return nil, f.err
	}
	customerID, ok := f.mappings[userID]
	if !ok {
		return nil, nil
	}
	return &billing.CustomerMapping{UserID: userID, CustomerID: customerID}, nil
}

type fakeCheckout struct {
	lastParams provider.CheckoutParams
	lastPortal string
	err        error
}

func (f *fakeCheckout) CreateCheckoutSession(_ context.Context, cp provider.CheckoutParams) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.lastParams = cp
	return "https://checkout.example.com/session", nil
}

func (f *fakeCheckout) CreateBillingPortalSession(_ context.Context, customerID, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.lastPortal = customerID
	return "https://portal.example.com/session", nil
}

type fakeScheduler struct {
	scheduled []string
}

func (f *fakeScheduler) Schedule(_ context.Context, userID string) {
	f.scheduled = append(f.scheduled, userID)
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(context.Context) error { return f.err }

func testDeps() *Deps {
	return &Deps{
		Config: &config.Config{
			BaseURL:    "https://app.billfold.test",
			ProPriceID: "price_pro",
		},
		Store:     &fakePinger{},
		Mappings:  &fakeMappings{mappings: map[string]string{}},
		Cache:     &fakeCache{views: map[string]billing.SubscriptionView{}},
		Scheduler: &fakeScheduler{},
		Syncer:    &fakeAppSyncer{},
		Checkout:  &fakeCheckout{},
		Webhook:   http.NotFoundHandler(),
		Version:   "test",
	}
}

func doRequest(deps *Deps, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestGetSubscription(t *testing.T) {
	deps := testDeps()
	deps.Cache.(*fakeCache).views["user-1"] = billing.SubscriptionView{
		UserID: "user-1",
		Status: "active",
		Pro:    true,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
	req.Header.Set(userIDHeader, "user-1")
	rec := doRequest(deps, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%q", rec.Code, rec.Body.String())
	}
	var view billing.SubscriptionView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !view.Pro || view.Status != "active" {
		t.Errorf("view = %+v", view)
	}
}

func TestGetSubscriptionWithoutUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
	rec := doRequest(testDeps(), req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetSubscriptionUnknownUserIsNone(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
	req.Header.Set(userIDHeader, "user-without-billing")
	rec := doRequest(testDeps(), req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view billing.SubscriptionView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.Status != billing.ViewStatusNone || view.Pro {
		t.Errorf("view = %+v, want status none", view)
	}
}

func TestGetSubscriptionRefresh(t *testing.T) {
	deps := testDeps()
	deps.Mappings.(*fakeMappings).mappings["user-1"] = "cus_1"

	req := httptest.NewRequest(http.MethodGet, "/api/subscription?refresh=1", nil)
	req.Header.Set(userIDHeader, "user-1")
	rec := doRequest(deps, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%q", rec.Code, rec.Body.String())
	}
	syncer := deps.Syncer.(*fakeAppSyncer)
	if len(syncer.synced) != 1 || syncer.synced[0] != "cus_1" {
		t.Errorf("synced = %v, want [cus_1]", syncer.synced)
	}
	if inv := deps.Cache.(*fakeCache).invalidated; len(inv) != 1 || inv[0] != "user-1" {
		t.Errorf("invalidated = %v, want [user-1]", inv)
	}
}

func TestGetSubscriptionRefreshFailureIsBadGateway(t *testing.T) {
	deps := testDeps()
	deps.Mappings.(*fakeMappings).mappings["user-1"] = "cus_1"
	deps.Syncer.(*fakeAppSyncer).err = fmt.Errorf("provider down")

	req := httptest.NewRequest(http.MethodGet, "/api/subscription?refresh=1", nil)
	req.Header.Set(userIDHeader, "user-1")
	rec := doRequest(deps, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestGetSubscriptionRefreshWithoutMapping(t *testing.T) {
	deps := testDeps()
	req := httptest.NewRequest(http.MethodGet, "/api/subscription?refresh=1", nil)
	req.Header.Set(userIDHeader, "user-1")
	rec := doRequest(deps, req)

	// Nothing to refresh, the stored answer is already authoritative.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if synced := deps.Syncer.(*fakeAppSyncer).synced; len(synced) != 0 {
		t.Errorf("synced = %v, want none", synced)
	}
}

func TestCreateCheckoutSession(t *testing.T) {
	deps := testDeps()
	deps.Mappings.(*fakeMappings).mappings["user-1"] = "cus_1"

	req := httptest.NewRequest(http.MethodPost, "/api/checkout-session", strings.NewReader(`{}`))
	req.Header.Set(userIDHeader, "user-1")
	rec := doRequest(deps, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%q", rec.Code, rec.Body.String())
	}
	var resp urlResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.URL == "" {
		t.Error("empty checkout URL")
	}

	params := deps.Checkout.(*fakeCheckout).lastParams
	if params.UserID != "user-1" || params.CustomerID != "cus_1" || params.PriceID != "price_pro" {
		t.Errorf("params = %+v", params)
	}
	if !strings.Contains(params.SuccessURL, "/billing/return") {
		t.Errorf("success URL = %q", params.SuccessURL)
	}
}

func TestCreateCheckoutSessionWithoutPrice(t *testing.T) {
	deps := testDeps()
	deps.Config.ProPriceID = ""

	req := httptest.NewRequest(http.MethodPost, "/api/checkout-session", nil)
	req.Header.Set(userIDHeader, "user-1")
	rec := doRequest(deps, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreatePortalSessionRequiresMapping(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/billing-portal", nil)
	req.Header.Set(userIDHeader, "user-1")
	rec := doRequest(testDeps(), req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCreatePortalSession(t *testing.T) {
	deps := testDeps()
	deps.Mappings.(*fakeMappings).mappings["user-1"] = "cus_1"

	req := httptest.NewRequest(http.MethodPost, "/api/billing-portal", nil)
	req.Header.Set(userIDHeader, "user-1")
	rec := doRequest(deps, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%q", rec.Code, rec.Body.String())
	}
	if got := deps.Checkout.(*fakeCheckout).lastPortal; got != "cus_1" {
		t.Errorf("portal customer = %q, want cus_1", got)
	}
}

func TestBillingReturnSchedulesLadderAndRedirects(t *testing.T) {
	deps := testDeps()

	req := httptest.NewRequest(http.MethodGet, "/billing/return?source=checkout&user_id=user-1&to=/settings", nil)
	rec := doRequest(deps, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if strings.Contains(loc, "source=") || strings.Contains(loc, "user_id=") {
		t.Errorf("redirect %q still carries flow markers", loc)
	}
	if !strings.HasPrefix(loc, "https://app.billfold.test/settings") {
		t.Errorf("redirect = %q", loc)
	}
	if sched := deps.Scheduler.(*fakeScheduler).scheduled; len(sched) != 1 || sched[0] != "user-1" {
		t.Errorf("scheduled = %v, want [user-1]", sched)
	}
}

func TestBillingReturnWithoutUserStillRedirects(t *testing.T) {
	deps := testDeps()
	req := httptest.NewRequest(http.MethodGet, "/billing/return?source=portal", nil)
	rec := doRequest(deps, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("status = %d, want 303", rec.Code)
	}
	if sched := deps.Scheduler.(*fakeScheduler).scheduled; len(sched) != 0 {
		t.Errorf("scheduled = %v, want none", sched)
	}
}

func TestBillingReturnRejectsExternalRedirect(t *testing.T) {
	deps := testDeps()
	req := httptest.NewRequest(http.MethodGet, "/billing/return?to=//evil.example.com/phish", nil)
	rec := doRequest(deps, req)

	loc := rec.Header().Get("Location")
	if strings.Contains(loc, "evil.example.com") {
		t.Errorf("redirect %q escaped the app origin", loc)
	}
}

func TestTokenAuth(t *testing.T) {
	deps := testDeps()
	deps.Config.APIToken = "secret-token"

	req := httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
	req.Header.Set(userIDHeader, "user-1")
	rec := doRequest(deps, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
	req.Header.Set(userIDHeader, "user-1")
	req.Header.Set("Authorization", "Bearer wrong")
	rec = doRequest(deps, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/subscription", nil)
	req.Header.Set(userIDHeader, "user-1")
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = doRequest(deps, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	deps := testDeps()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := doRequest(deps, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	deps.Store.(*fakePinger).err = fmt.Errorf("connection refused")
	rec = doRequest(deps, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := doRequest(testDeps(), req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
