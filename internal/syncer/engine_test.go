package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/billfold-app/billfold/internal/billing"
	"github.com/billfold-app/billfold/internal/provider"
)

type fakeStore struct {
	mu           sync.Mutex
	mappings     map[string]string // customer id -> user id
	records      map[string]*billing.SubscriptionRecord
	upsertCalls  int
	failUpserts  int // fail this many upserts before succeeding
	mappingErr   error
	ensureCalls  int
	canceledErr  error
	canceledCall int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		mappings: make(map[string]string),
		records:  make(map[string]*billing.SubscriptionRecord),
	}
}

func (f *fakeStore) EnsureCustomerMapping(_ context.Context, userID, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensureCalls++
	if _, exists := f.mappings[customerID]; !exists {
		f.mappings[customerID] = userID
	}
	return nil
}

func (f *fakeStore) GetMappingByCustomerID(_ context.Context, customerID string) (*billing.CustomerMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mappingErr != nil {
		return nil, f.mappingErr
	}
	userID, ok := f.mappings[customerID]
	if !ok {
		return nil, nil
	}
	return &billing.CustomerMapping{UserID: userID, CustomerID: customerID}, nil
}

func (f *fakeStore) UpsertSubscription(_ context.Context, rec *billing.SubscriptionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls++
	if f.failUpserts > 0 {
		f.failUpserts--
		return fmt.Errorf("store unavailable")
	}
	clone := *rec
	f.records[rec.CustomerID] = &clone
	return nil
}

func (f *fakeStore) MarkSubscriptionCanceled(_ context.Context, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceledCall++
	if f.canceledErr != nil {
		return f.canceledErr
	}
	rec, ok := f.records[customerID]
	if !ok {
		rec = &billing.SubscriptionRecord{CustomerID: customerID}
		f.records[customerID] = rec
	}
	rec.Status = billing.StatusCanceled
	return nil
}

func (f *fakeStore) record(customerID string) *billing.SubscriptionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[customerID]
}

type fakeProvider struct {
	mu          sync.Mutex
	customers   map[string]*provider.Customer
	subs        map[string]*provider.Subscription
	customerErr error
	subErr      error
	subCalls    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		customers: make(map[string]*provider.Customer),
		subs:      make(map[string]*provider.Subscription),
	}
}

func (f *fakeProvider) Customer(_ context.Context, customerID string) (*provider.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.customerErr != nil {
		return nil, f.customerErr
	}
	c, ok := f.customers[customerID]
	if !ok {
		return nil, fmt.Errorf("no such customer: %s", customerID)
	}
	return c, nil
}

func (f *fakeProvider) LatestSubscription(_ context.Context, customerID string) (*provider.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subCalls++
	if f.subErr != nil {
		return nil, f.subErr
	}
	return f.subs[customerID], nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeNotifier) NotifySubscriptionChanged(_ context.Context, customerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, customerID)
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testEngine(store *fakeStore, prov *fakeProvider, notifier Notifier) *Engine {
	return New(store, prov, notifier, Config{MaxRetries: 3, BackoffBase: time.Microsecond})
}

func TestSyncWithoutProviderSubscription(t *testing.T) {
	store := newFakeStore()
	prov := newFakeProvider()
	engine := testEngine(store, prov, nil)

	if err := engine.Sync(context.Background(), "cus_new"); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	rec := store.record("cus_new")
	if rec == nil {
		t.Fatal("no record stored")
	}
	if rec.Status != billing.StatusNotStarted {
		t.Errorf("status = %q, want not_started", rec.Status)
	}
	if rec.SubscriptionID != "" || rec.CurrentPeriodEnd != nil {
		t.Errorf("subscription fields should be empty: %+v", rec)
	}
}

func TestSyncUpsertsProviderState(t *testing.T) {
	store := newFakeStore()
	prov := newFakeProvider()
	prov.subs["cus_123"] = &provider.Subscription{
		ID:                   "sub_abc",
		CustomerID:           "cus_123",
		Status:               "trialing",
		PriceID:              "price_pro",
		CurrentPeriodStart:   1700000000,
		CurrentPeriodEnd:     1702592000,
		CancelAtPeriodEnd:    false,
		DefaultPaymentMethod: &provider.PaymentMethod{Brand: "visa", Last4: "4242"},
	}
	notifier := &fakeNotifier{}
	engine := testEngine(store, prov, notifier)

	if err := engine.Sync(context.Background(), "cus_123"); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	rec := store.record("cus_123")
	if rec == nil {
		t.Fatal("no record stored")
	}
	if rec.Status != billing.StatusTrialing || rec.SubscriptionID != "sub_abc" || rec.PriceID != "price_pro" {
		t.Errorf("record = %+v", rec)
	}
	if rec.CurrentPeriodEnd == nil || *rec.CurrentPeriodEnd != 1702592000 {
		t.Errorf("period end = %v", rec.CurrentPeriodEnd)
	}
	if rec.PaymentMethodBrand != "visa" || rec.PaymentMethodLast4 != "4242" {
		t.Errorf("payment method = %q %q", rec.PaymentMethodBrand, rec.PaymentMethodLast4)
	}
	if notifier.count() != 1 {
		t.Errorf("notifier calls = %d, want 1", notifier.count())
	}
}

func TestSyncIdempotentConvergence(t *testing.T) {
	store := newFakeStore()
	prov := newFakeProvider()
	prov.subs["cus_123"] = &provider.Subscription{ID: "sub_abc", Status: "active", CurrentPeriodEnd: 1702592000}
	engine := testEngine(store, prov, nil)

	ctx := context.Background()
	if err := engine.Sync(ctx, "cus_123"); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	first := *store.record("cus_123")

	if err := engine.Sync(ctx, "cus_123"); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	second := *store.record("cus_123")

	if first.Status != second.Status || first.SubscriptionID != second.SubscriptionID {
		t.Errorf("repeated sync diverged:\nfirst  %+v\nsecond %+v", first, second)
	}
	if *first.CurrentPeriodEnd != *second.CurrentPeriodEnd {
		t.Errorf("period end diverged: %d vs %d", *first.CurrentPeriodEnd, *second.CurrentPeriodEnd)
	}
	if len(store.records) != 1 {
		t.Errorf("record count = %d, want 1", len(store.records))
	}
}

func TestSyncRecoversMapping(t *testing.T) {
	store := newFakeStore()
	prov := newFakeProvider()
	prov.customers["cus_123"] = &provider.Customer{
		ID:       "cus_123",
		Metadata: map[string]string{provider.MetadataUserIDKey: "user-7"},
	}
	engine := testEngine(store, prov, nil)

	if err := engine.Sync(context.Background(), "cus_123"); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if store.mappings["cus_123"] != "user-7" {
		t.Errorf("mapping = %q, want user-7", store.mappings["cus_123"])
	}

	// A second sync must not attempt recovery again.
	if err := engine.Sync(context.Background(), "cus_123"); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if store.ensureCalls != 1 {
		t.Errorf("ensure calls = %d, want 1", store.ensureCalls)
	}
}

func TestSyncContinuesWhenMappingRecoveryFails(t *testing.T) {
	store := newFakeStore()
	prov := newFakeProvider()
	prov.customerErr = fmt.Errorf("provider timeout")
	prov.subs["cus_123"] = &provider.Subscription{ID: "sub_abc", Status: "active"}
	engine := testEngine(store, prov, nil)

	if err := engine.Sync(context.Background(), "cus_123"); err != nil {
		t.Fatalf("Sync should not fail on mapping recovery: %v", err)
	}
	if rec := store.record("cus_123"); rec == nil || rec.Status != billing.StatusActive {
		t.Errorf("record = %+v, want active", rec)
	}
}

func TestSyncRetriesTransientFailures(t *testing.T) {
	store := newFakeStore()
	store.failUpserts = 2
	prov := newFakeProvider()
	prov.subs["cus_123"] = &provider.Subscription{ID: "sub_abc", Status: "active"}
	engine := testEngine(store, prov, nil)

	if err := engine.Sync(context.Background(), "cus_123"); err != nil {
		t.Fatalf("Sync should succeed after retries: %v", err)
	}
	if store.upsertCalls != 3 {
		t.Errorf("upsert calls = %d, want 3", store.upsertCalls)
	}
}

func TestSyncFailsAfterRetryCeiling(t *testing.T) {
	store := newFakeStore()
	prov := newFakeProvider()
	prov.subErr = fmt.Errorf("provider unavailable")
	engine := testEngine(store, prov, nil)

	err := engine.Sync(context.Background(), "cus_123")
	if err == nil {
		t.Fatal("expected error after retry ceiling")
	}
	var syncErr *SyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("error type = %T, want *SyncError", err)
	}
	if syncErr.Attempts != 4 { // initial attempt + 3 retries
		t.Errorf("attempts = %d, want 4", syncErr.Attempts)
	}
	if syncErr.CustomerID != "cus_123" {
		t.Errorf("customer id = %q", syncErr.CustomerID)
	}
	if prov.subCalls != 4 {
		t.Errorf("provider calls = %d, want 4", prov.subCalls)
	}
}

func TestSyncStopsOnContextCancel(t *testing.T) {
	store := newFakeStore()
	prov := newFakeProvider()
	prov.subErr = fmt.Errorf("provider unavailable")
	engine := New(store, prov, nil, Config{MaxRetries: 10, BackoffBase: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := engine.Sync(ctx, "cus_123")
	if err == nil {
		t.Fatal("expected error on cancellation")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error chain does not include context.Canceled: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took too long: %v", elapsed)
	}
}

func TestMarkCanceled(t *testing.T) {
	store := newFakeStore()
	store.records["cus_123"] = &billing.SubscriptionRecord{CustomerID: "cus_123", Status: billing.StatusActive}
	notifier := &fakeNotifier{}
	engine := testEngine(store, newFakeProvider(), notifier)

	ctx := context.Background()
	if err := engine.MarkCanceled(ctx, "cus_123"); err != nil {
		t.Fatalf("MarkCanceled: %v", err)
	}
	if rec := store.record("cus_123"); rec.Status != billing.StatusCanceled {
		t.Errorf("status = %q, want canceled", rec.Status)
	}
	if notifier.count() != 1 {
		t.Errorf("notifier calls = %d, want 1", notifier.count())
	}

	// Redelivery of the deletion event is a no-op overwrite.
	if err := engine.MarkCanceled(ctx, "cus_123"); err != nil {
		t.Fatalf("repeat MarkCanceled: %v", err)
	}
	if rec := store.record("cus_123"); rec.Status != billing.StatusCanceled {
		t.Errorf("status after redelivery = %q, want canceled", rec.Status)
	}
}

func TestStaleEventAfterDeletionConverges(t *testing.T) {
	store := newFakeStore()
	prov := newFakeProvider()
	// Provider truth after deletion: the subscription is canceled.
	prov.subs["cus_123"] = &provider.Subscription{ID: "sub_abc", Status: "canceled"}
	engine := testEngine(store, prov, nil)

	ctx := context.Background()
	if err := engine.MarkCanceled(ctx, "cus_123"); err != nil {
		t.Fatalf("MarkCanceled: %v", err)
	}

	// A late subscription.updated for the same customer re-syncs and must not
	// resurrect pre-deletion state.
	if err := engine.Sync(ctx, "cus_123"); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if rec := store.record("cus_123"); rec.Status != billing.StatusCanceled {
		t.Errorf("status = %q, want canceled", rec.Status)
	}
}

func TestSyncNotifierFailureIsNotFatal(t *testing.T) {
	store := newFakeStore()
	prov := newFakeProvider()
	notifier := &fakeNotifier{err: fmt.Errorf("listener gone")}
	engine := testEngine(store, prov, notifier)

	if err := engine.Sync(context.Background(), "cus_123"); err != nil {
		t.Fatalf("Sync must not fail on notifier error: %v", err)
	}
}

func TestConcurrentSyncsConverge(t *testing.T) {
	store := newFakeStore()
	prov := newFakeProvider()
	prov.subs["cus_456"] = &provider.Subscription{ID: "sub_z", Status: "active", CurrentPeriodEnd: 1702592000}
	engine := testEngine(store, prov, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := engine.Sync(context.Background(), "cus_456"); err != nil {
				t.Errorf("Sync: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(store.records) != 1 {
		t.Fatalf("record count = %d, want 1", len(store.records))
	}
	if rec := store.record("cus_456"); rec.Status != billing.StatusActive {
		t.Errorf("status = %q, want active", rec.Status)
	}
}
