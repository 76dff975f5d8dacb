package billing

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/postwise/postwise/account"
	"github.com/postwise/postwise/spec"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// In-memory implementations of the Reconciler's collaborators. All state is
// mutex-guarded because checkout completion queues the welcome email from a
// separate goroutine.

type fakeStore struct {
	mu        sync.Mutex
	events    map[string]string
	subs      map[string]Subscription // keyed by AccountID
	anomalies []WebhookAnomaly

	recordEventErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events: make(map[string]string),
		subs:   make(map[string]Subscription),
	}
}

func (f *fakeStore) RecordEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recordEventErr != nil {
		return false, f.recordEventErr
	}
	if _, ok := f.events[eventID]; ok {
		return true, nil
	}
	f.events[eventID] = eventType
	return false, nil
}

func (f *fakeStore) GetByAccountID(ctx context.Context, accountID string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sub, ok := f.subs[accountID]; ok {
		copied := sub
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeStore) GetByStripeSubscriptionID(ctx context.Context, subscriptionID string) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.StripeSubscriptionID == subscriptionID {
			copied := sub
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Upsert(ctx context.Context, sub *Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.subs[sub.AccountID]; ok {
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	} else if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	sub.UpdatedAt = time.Now()
	f.subs[sub.AccountID] = *sub
	return nil
}

func (f *fakeStore) Save(ctx context.Context, sub *Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub.UpdatedAt = time.Now()
	f.subs[sub.AccountID] = *sub
	return nil
}

func (f *fakeStore) RecordAnomaly(ctx context.Context, anomaly *WebhookAnomaly) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.anomalies = append(f.anomalies, *anomaly)
	return nil
}

func (f *fakeStore) PromotePaid(ctx context.Context, accountID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var promoted int64
	if sub, ok := f.subs[accountID]; ok {
		if !sub.IsActive && sub.Status == StatusPaid {
			sub.Status = StatusActive
			sub.IsActive = true
			sub.UpdatedAt = time.Now()
			f.subs[accountID] = sub
			promoted++
		}
	}
	return promoted, nil
}

func (f *fakeStore) ListStatusDrift(ctx context.Context) ([]Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]Subscription, 0, 1)
	for _, sub := range f.subs {
		if sub.IsActive != (sub.Status == StatusActive) {
			results = append(results, sub)
		}
	}
	return results, nil
}

func (f *fakeStore) ListOverdue(ctx context.Context, before time.Time) ([]Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	results := make([]Subscription, 0, 1)
	for _, sub := range f.subs {
		if sub.Status == StatusPastDue && sub.UpdatedAt.Before(before) {
			results = append(results, sub)
		}
	}
	return results, nil
}

func (f *fakeStore) get(accountID string) (Subscription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[accountID]
	return sub, ok
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeStore) anomalyList() []WebhookAnomaly {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WebhookAnomaly(nil), f.anomalies...)
}

var _ Store = (*fakeStore)(nil)

type fakeDirectory struct {
	mu       sync.Mutex
	accounts []account.Account
	created  []string
}

func (f *fakeDirectory) add(id, email string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts = append(f.accounts, account.Account{ID: id, Email: email})
}

func (f *fakeDirectory) GetByID(ctx context.Context, id string) (*account.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.ID == id {
			copied := a
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeDirectory) GetByEmail(ctx context.Context, email string) (*account.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.Email == email {
			copied := a
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeDirectory) Create(ctx context.Context, email string) (*account.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct := account.Account{
		ID:    uuid.New().String(),
		Email: email,
	}
	f.accounts = append(f.accounts, acct)
	f.created = append(f.created, email)
	return &acct, nil
}

var _ AccountDirectory = (*fakeDirectory)(nil)

type fakeRetriever struct {
	email string
	err   error
}

func (f *fakeRetriever) RetrieveCustomer(ctx context.Context, customerID string) (string, error) {
	return f.email, f.err
}

type fakeProducer struct {
	sent chan *spec.WelcomeEmail
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{
		sent: make(chan *spec.WelcomeEmail, 4),
	}
}

func (f *fakeProducer) Close() {}

func (f *fakeProducer) SendWelcomeEmail(n *spec.WelcomeEmail) error {
	f.sent <- n
	return nil
}

func (f *fakeProducer) waitForEmail(t *testing.T) *spec.WelcomeEmail {
	t.Helper()
	select {
	case n := <-f.sent:
		return n
	case <-time.After(time.Second):
		t.Fatal("no welcome email was queued")
		return nil
	}
}

var testPrices = PriceTable{
	Monthly: Price{ID: "price_monthly", Amount: 2900},
	Yearly:  Price{ID: "price_yearly", Amount: 29900},
}

type testHarness struct {
	Reconciler *Reconciler
	Store      *fakeStore
	Directory  *fakeDirectory
	Retriever  *fakeRetriever
	Producer   *fakeProducer
}

func newTestReconciler(t *testing.T) *testHarness {
	t.Helper()

	store := newFakeStore()
	dir := &fakeDirectory{}
	retriever := &fakeRetriever{}
	producer := newFakeProducer()

	rec, err := NewReconciler(ReconcilerOptions{
		Store:     store,
		Accounts:  dir,
		Customers: retriever,
		Producer:  producer,
		Prices:    testPrices,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	return &testHarness{
		Reconciler: rec,
		Store:      store,
		Directory:  dir,
		Retriever:  retriever,
		Producer:   producer,
	}
}

func monthlySession(eventID string) *CheckoutSession {
	return &CheckoutSession{
		EventID:       eventID,
		ID:            "cs_" + eventID,
		Mode:          "subscription",
		Customer:      "cus_123",
		Subscription:  "sub_123",
		CustomerEmail: "a@example.com",
		AmountTotal:   2900,
		Currency:      "eur",
		Metadata:      map[string]string{"price_id": "price_monthly"},
	}
}

func TestNewReconcilerRejectsMissingOptions(t *testing.T) {
	_, err := NewReconciler(ReconcilerOptions{})
	assert.Error(t, err)

	_, err = NewReconciler(ReconcilerOptions{
		Store:     newFakeStore(),
		Accounts:  &fakeDirectory{},
		Customers: &fakeRetriever{},
		Producer:  newFakeProducer(),
		Logger:    zap.NewNop(),
		// Prices left empty
	})
	assert.Error(t, err)
}

func TestCheckoutCompletedCreatesSubscription(t *testing.T) {
	h := newTestReconciler(t)
	h.Directory.add("acct_1", "a@example.com")

	sess := monthlySession("evt_1")
	sess.ClientReferenceID = "acct_1"

	before := time.Now()
	require.NoError(t, h.Reconciler.HandleCheckoutCompleted(context.Background(), sess))

	sub, ok := h.Store.get("acct_1")
	require.True(t, ok)
	assert.Equal(t, StatusActive, sub.Status)
	assert.True(t, sub.IsActive)
	assert.Equal(t, IntervalMonthly, sub.Interval)
	assert.Equal(t, int64(2900), sub.Amount)
	assert.Equal(t, "eur", sub.Currency)
	assert.Equal(t, "cus_123", sub.StripeCustomerID)
	assert.Equal(t, "sub_123", sub.StripeSubscriptionID)
	assert.Equal(t, "price_monthly", sub.StripePriceID)
	assert.True(t, sub.Entitled())

	// period bounds are our own approximation of a monthly cycle
	assert.WithinDuration(t, before.Add(monthlyPeriod), sub.CurrentPeriodEnd, time.Minute)

	n := h.Producer.waitForEmail(t)
	assert.Equal(t, "acct_1", n.AccountID)
	assert.Equal(t, "a@example.com", n.Email)
	assert.Equal(t, string(IntervalMonthly), n.Interval)

	assert.Empty(t, h.Store.anomalyList())
	assert.Empty(t, h.Directory.created)
}

func TestCheckoutCompletedCreatesAccountFromEmail(t *testing.T) {
	h := newTestReconciler(t)

	sess := monthlySession("evt_2")

	require.NoError(t, h.Reconciler.HandleCheckoutCompleted(context.Background(), sess))

	require.Equal(t, []string{"a@example.com"}, h.Directory.created)

	acct, err := h.Directory.GetByEmail(context.Background(), "a@example.com")
	require.NoError(t, err)
	require.NotNil(t, acct)

	sub, ok := h.Store.get(acct.ID)
	require.True(t, ok)
	assert.True(t, sub.IsActive)
	assert.Equal(t, IntervalMonthly, sub.Interval)
	assert.Equal(t, int64(2900), sub.Amount)

	h.Producer.waitForEmail(t)
}

func TestCheckoutCompletedResolvesEmailFromProcessor(t *testing.T) {
	h := newTestReconciler(t)
	h.Retriever.email = "b@example.com"

	sess := monthlySession("evt_3")
	sess.CustomerEmail = ""

	require.NoError(t, h.Reconciler.HandleCheckoutCompleted(context.Background(), sess))

	assert.Equal(t, []string{"b@example.com"}, h.Directory.created)
	assert.Equal(t, 1, h.Store.count())
}

func TestCheckoutCompletedUnresolvedIsDropped(t *testing.T) {
	h := newTestReconciler(t)
	h.Retriever.err = fmt.Errorf("no such customer")

	sess := monthlySession("evt_4")
	sess.CustomerEmail = ""

	// acknowledged but dropped, never an error back to the dispatcher
	require.NoError(t, h.Reconciler.HandleCheckoutCompleted(context.Background(), sess))
	assert.Equal(t, 0, h.Store.count())
}

func TestCheckoutCompletedStaleClientReferenceFallsBack(t *testing.T) {
	h := newTestReconciler(t)
	h.Directory.add("acct_1", "a@example.com")

	sess := monthlySession("evt_5")
	sess.ClientReferenceID = "acct_gone"

	require.NoError(t, h.Reconciler.HandleCheckoutCompleted(context.Background(), sess))

	sub, ok := h.Store.get("acct_1")
	require.True(t, ok)
	assert.True(t, sub.IsActive)
	assert.Empty(t, h.Directory.created)
}

func TestCheckoutCompletedAmountMismatchKeepsCanonicalAmount(t *testing.T) {
	h := newTestReconciler(t)
	h.Directory.add("acct_1", "a@example.com")

	sess := monthlySession("evt_6")
	sess.ClientReferenceID = "acct_1"
	sess.Metadata["price_id"] = "price_yearly"
	sess.Mode = "payment"
	sess.AmountTotal = 2900 // charged the monthly amount against the yearly price

	require.NoError(t, h.Reconciler.HandleCheckoutCompleted(context.Background(), sess))

	sub, ok := h.Store.get("acct_1")
	require.True(t, ok)
	assert.Equal(t, IntervalYearly, sub.Interval)
	assert.Equal(t, int64(29900), sub.Amount)
	assert.True(t, sub.IsActive)

	anomalies := h.Store.anomalyList()
	require.Len(t, anomalies, 1)
	assert.Equal(t, AnomalyPriceMismatch, anomalies[0].Type)
	assert.Equal(t, "evt_6", anomalies[0].EventID)
	assert.Equal(t, "29900", anomalies[0].ExpectedValue)
	assert.Equal(t, "2900", anomalies[0].ReceivedValue)
	assert.Equal(t, int64(-27000), anomalies[0].Details["difference_cents"])
}

func TestCheckoutCompletedUnknownPriceInfersFromMode(t *testing.T) {
	h := newTestReconciler(t)
	h.Directory.add("acct_1", "a@example.com")

	sess := monthlySession("evt_7")
	sess.ClientReferenceID = "acct_1"
	sess.Metadata["price_id"] = "price_rogue"

	require.NoError(t, h.Reconciler.HandleCheckoutCompleted(context.Background(), sess))

	// activation proceeds on the inferred interval
	sub, ok := h.Store.get("acct_1")
	require.True(t, ok)
	assert.Equal(t, IntervalMonthly, sub.Interval)
	assert.True(t, sub.IsActive)

	anomalies := h.Store.anomalyList()
	require.Len(t, anomalies, 1)
	assert.Equal(t, AnomalyUnknownPriceID, anomalies[0].Type)
	assert.Equal(t, "price_rogue", anomalies[0].ReceivedValue)
}

func TestCheckoutCompletedOverwritesExistingSubscription(t *testing.T) {
	h := newTestReconciler(t)
	h.Directory.add("acct_1", "a@example.com")

	first := monthlySession("evt_8")
	first.ClientReferenceID = "acct_1"
	require.NoError(t, h.Reconciler.HandleCheckoutCompleted(context.Background(), first))
	h.Producer.waitForEmail(t)

	created, _ := h.Store.get("acct_1")

	second := monthlySession("evt_9")
	second.ClientReferenceID = "acct_1"
	second.Subscription = "sub_456"
	require.NoError(t, h.Reconciler.HandleCheckoutCompleted(context.Background(), second))

	sub, ok := h.Store.get("acct_1")
	require.True(t, ok)
	assert.Equal(t, 1, h.Store.count())
	assert.Equal(t, created.ID, sub.ID)
	assert.Equal(t, "sub_456", sub.StripeSubscriptionID)
}

func TestSubscriptionUpdatedSyncsProcessorState(t *testing.T) {
	h := newTestReconciler(t)
	h.Directory.add("acct_1", "a@example.com")

	sess := monthlySession("evt_10")
	sess.ClientReferenceID = "acct_1"
	require.NoError(t, h.Reconciler.HandleCheckoutCompleted(context.Background(), sess))

	start := time.Now().Unix()
	end := time.Now().Add(31 * 24 * time.Hour).Unix()
	require.NoError(t, h.Reconciler.HandleSubscriptionUpdated(context.Background(), &SubscriptionEvent{
		EventID:            "evt_11",
		ID:                 "sub_123",
		Status:             string(StatusPastDue),
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
	}))

	sub, _ := h.Store.get("acct_1")
	assert.Equal(t, StatusPastDue, sub.Status)
	assert.False(t, sub.IsActive)
	assert.Equal(t, time.Unix(start, 0), sub.CurrentPeriodStart)
	assert.Equal(t, time.Unix(end, 0), sub.CurrentPeriodEnd)
}

func TestSubscriptionUpdatedUnknownSubscriptionIsNonFatal(t *testing.T) {
	h := newTestReconciler(t)

	require.NoError(t, h.Reconciler.HandleSubscriptionUpdated(context.Background(), &SubscriptionEvent{
		EventID: "evt_12",
		ID:      "sub_unknown",
		Status:  string(StatusActive),
	}))
	assert.Equal(t, 0, h.Store.count())
}

func TestSubscriptionDeletedCancelsOnce(t *testing.T) {
	h := newTestReconciler(t)
	h.Directory.add("acct_1", "a@example.com")

	sess := monthlySession("evt_13")
	sess.ClientReferenceID = "acct_1"
	require.NoError(t, h.Reconciler.HandleCheckoutCompleted(context.Background(), sess))

	deletion := &SubscriptionEvent{
		EventID: "evt_14",
		ID:      "sub_123",
		Status:  string(StatusCanceled),
	}
	require.NoError(t, h.Reconciler.HandleSubscriptionDeleted(context.Background(), deletion))

	sub, ok := h.Store.get("acct_1")
	require.True(t, ok)
	assert.Equal(t, StatusCanceled, sub.Status)
	assert.False(t, sub.IsActive)
	assert.False(t, sub.Entitled())

	// a second deletion converges on the same terminal state
	require.NoError(t, h.Reconciler.HandleSubscriptionDeleted(context.Background(), deletion))
	sub, _ = h.Store.get("acct_1")
	assert.Equal(t, StatusCanceled, sub.Status)
	assert.False(t, sub.IsActive)
}

func TestInvoicePaidRenews(t *testing.T) {
	h := newTestReconciler(t)
	h.Directory.add("acct_1", "a@example.com")

	sess := monthlySession("evt_15")
	sess.ClientReferenceID = "acct_1"
	require.NoError(t, h.Reconciler.HandleCheckoutCompleted(context.Background(), sess))

	require.NoError(t, h.Reconciler.HandleSubscriptionUpdated(context.Background(), &SubscriptionEvent{
		EventID: "evt_16",
		ID:      "sub_123",
		Status:  string(StatusPastDue),
	}))

	require.NoError(t, h.Reconciler.HandleInvoicePaid(context.Background(), &InvoiceEvent{
		EventID:      "evt_17",
		ID:           "in_1",
		Customer:     "cus_123",
		Subscription: "sub_123",
		AmountPaid:   2900,
	}))

	sub, _ := h.Store.get("acct_1")
	assert.Equal(t, StatusActive, sub.Status)
	assert.True(t, sub.IsActive)
}

func TestInvoicePaidWithoutSubscriptionIsNoop(t *testing.T) {
	h := newTestReconciler(t)

	require.NoError(t, h.Reconciler.HandleInvoicePaid(context.Background(), &InvoiceEvent{
		EventID:    "evt_18",
		ID:         "in_2",
		Customer:   "cus_123",
		AmountPaid: 500,
	}))
	assert.Equal(t, 0, h.Store.count())
}

func TestInvoicePaymentFailedDoesNotRevoke(t *testing.T) {
	h := newTestReconciler(t)
	h.Directory.add("acct_1", "a@example.com")

	sess := monthlySession("evt_19")
	sess.ClientReferenceID = "acct_1"
	require.NoError(t, h.Reconciler.HandleCheckoutCompleted(context.Background(), sess))

	require.NoError(t, h.Reconciler.HandleInvoicePaymentFailed(context.Background(), &InvoiceEvent{
		EventID:      "evt_20",
		ID:           "in_3",
		Subscription: "sub_123",
		AmountDue:    2900,
	}))

	sub, _ := h.Store.get("acct_1")
	assert.True(t, sub.IsActive)
	assert.Equal(t, StatusActive, sub.Status)
}

func TestReconcilePromotesPaidRows(t *testing.T) {
	h := newTestReconciler(t)

	require.NoError(t, h.Store.Upsert(context.Background(), &Subscription{
		ID:        uuid.New().String(),
		AccountID: "acct_1",
		Status:    StatusPaid,
		IsActive:  false,
	}))

	promoted, err := h.Reconciler.Reconcile(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), promoted)

	sub, _ := h.Store.get("acct_1")
	assert.Equal(t, StatusActive, sub.Status)
	assert.True(t, sub.IsActive)

	// promotion converges, a second call finds nothing to do
	promoted, err = h.Reconciler.Reconcile(context.Background(), "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), promoted)
}
