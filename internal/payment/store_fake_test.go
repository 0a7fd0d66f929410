package payment_test

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/noah-isme/backend-digistore/internal/payment"
	"github.com/noah-isme/backend-digistore/internal/queue"
	"github.com/noah-isme/backend-digistore/internal/store"
)

// memStore is an in-memory PurchaseStore/GrantStore double with the same
// transition rules as the SQL layer.
type memStore struct {
	mu           sync.Mutex
	products     map[string]store.Product
	purchases    map[string]store.Purchase
	txnByID      map[uuid.UUID]string
	events       []store.PurchaseEvent
	grants       map[string]store.FulfillmentGrant
	grantInserts int
}

func newMemStore() *memStore {
	return &memStore{
		products:  map[string]store.Product{},
		purchases: map[string]store.Purchase{},
		txnByID:   map[uuid.UUID]string{},
		grants:    map[string]store.FulfillmentGrant{},
	}
}

func (m *memStore) addProduct(slug, title string, priceMinor int64, downloadURL string) store.Product {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := store.Product{
		ID:         pgtype.UUID{Bytes: uuid.New(), Valid: true},
		Slug:       slug,
		Title:      title,
		PriceMinor: priceMinor,
		Currency:   "INR",
		Active:     true,
	}
	if downloadURL != "" {
		p.DownloadURL = pgtype.Text{String: downloadURL, Valid: true}
	}
	m.products[slug] = p
	return p
}

func (m *memStore) GetProductBySlug(_ context.Context, slug string) (store.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[slug]
	if !ok {
		return store.Product{}, pgx.ErrNoRows
	}
	return p, nil
}

func (m *memStore) GetProductByID(_ context.Context, id pgtype.UUID) (store.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.products {
		if p.ID == id {
			return p, nil
		}
	}
	return store.Product{}, pgx.ErrNoRows
}

func (m *memStore) CreatePurchase(_ context.Context, arg store.CreatePurchaseParams) (store.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	p := store.Purchase{
		ID:            pgtype.UUID{Bytes: id, Valid: true},
		MerchantTxnID: arg.MerchantTxnID,
		ProductID:     arg.ProductID,
		Provider:      arg.Provider,
		AmountMinor:   arg.AmountMinor,
		Currency:      arg.Currency,
		CustomerName:  arg.CustomerName,
		CustomerEmail: arg.CustomerEmail,
		CustomerPhone: arg.CustomerPhone,
		Status:        store.PurchaseStatusPending,
		CreatedAt:     pgtype.Timestamptz{Time: time.Now(), Valid: true},
	}
	m.purchases[arg.MerchantTxnID] = p
	m.txnByID[id] = arg.MerchantTxnID
	return p, nil
}

func (m *memStore) GetPurchaseByTxnID(_ context.Context, merchantTxnID string) (store.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[merchantTxnID]
	if !ok {
		return store.Purchase{}, pgx.ErrNoRows
	}
	return p, nil
}

func (m *memStore) UpdatePurchaseStatus(_ context.Context, id pgtype.UUID, status string, payload []byte) (store.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txnByID[id.Bytes]
	if !ok {
		return store.Purchase{}, pgx.ErrNoRows
	}
	p := m.purchases[txn]
	allowed := p.Status == store.PurchaseStatusPending ||
		(p.Status != store.PurchaseStatusPaid && status == store.PurchaseStatusPaid)
	if !allowed {
		return store.Purchase{}, store.ErrStatusConflict
	}
	p.Status = status
	p.ProviderPayload = payload
	p.UpdatedAt = pgtype.Timestamptz{Time: time.Now(), Valid: true}
	m.purchases[txn] = p
	return p, nil
}

func (m *memStore) SetPurchaseRedirectURL(_ context.Context, id pgtype.UUID, redirectURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn, ok := m.txnByID[id.Bytes]
	if !ok {
		return pgx.ErrNoRows
	}
	p := m.purchases[txn]
	p.RedirectURL = pgtype.Text{String: redirectURL, Valid: true}
	m.purchases[txn] = p
	return nil
}

func (m *memStore) InsertPurchaseEvent(_ context.Context, purchaseID pgtype.UUID, status string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, store.PurchaseEvent{
		PurchaseID: purchaseID,
		Status:     status,
		Payload:    payload,
		CreatedAt:  pgtype.Timestamptz{Time: time.Now(), Valid: true},
	})
	return nil
}

func (m *memStore) InsertFulfillmentGrant(_ context.Context, purchaseID pgtype.UUID, merchantTxnID, contentURL string) (store.FulfillmentGrant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.grants[merchantTxnID]; ok {
		return existing, false, nil
	}
	grant := store.FulfillmentGrant{
		PurchaseID:    purchaseID,
		MerchantTxnID: merchantTxnID,
		ContentURL:    contentURL,
		GrantedAt:     pgtype.Timestamptz{Time: time.Now(), Valid: true},
	}
	m.grants[merchantTxnID] = grant
	m.grantInserts++
	return grant, true, nil
}

func (m *memStore) GetFulfillmentGrant(_ context.Context, merchantTxnID string) (store.FulfillmentGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	grant, ok := m.grants[merchantTxnID]
	if !ok {
		return store.FulfillmentGrant{}, pgx.ErrNoRows
	}
	return grant, nil
}

func (m *memStore) ListPendingPurchases(_ context.Context, createdBefore time.Time, _ int32) ([]store.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []store.Purchase
	for _, p := range m.purchases {
		if p.Status == store.PurchaseStatusPending && p.CreatedAt.Time.Before(createdBefore) {
			pending = append(pending, p)
		}
	}
	return pending, nil
}

// fakeProvider is a scriptable Provider double.
type fakeProvider struct {
	name          string
	initResult    payment.InitiateResult
	initErr       error
	verifyResult  payment.VerifyResult
	verifyErr     error
	webhookResult payment.WebhookResult
	verifyCalls   int
	mu            sync.Mutex
}

func (f *fakeProvider) Name() string {
	if f.name == "" {
		return "phonepe"
	}
	return f.name
}

func (f *fakeProvider) Initiate(context.Context, payment.InitiateRequest) (payment.InitiateResult, error) {
	return f.initResult, f.initErr
}

func (f *fakeProvider) Verify(context.Context, string) (payment.VerifyResult, error) {
	f.mu.Lock()
	f.verifyCalls++
	f.mu.Unlock()
	return f.verifyResult, f.verifyErr
}

func (f *fakeProvider) VerifyWebhook(*http.Request, []byte) (payment.WebhookResult, error) {
	return f.webhookResult, nil
}

// captureQueue records enqueued verification tasks.
type captureQueue struct {
	mu    sync.Mutex
	tasks []queue.Task
}

func (c *captureQueue) Enqueue(_ context.Context, t queue.Task) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, t)
	return nil
}
