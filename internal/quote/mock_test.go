package quote

import (
	"context"
	"encoding/json"
	"sync"
)

// mockQuoteRepo keeps quotes in memory and implements the same compare and
// swap semantics as the database.
type mockQuoteRepo struct {
	mu       sync.Mutex
	quotes   map[string]*Quote
	payments map[string]*Payment

	CreateQuoteErr   error
	GetQuoteErr      error
	UpdatePaymentErr error
}

func newMockQuoteRepo(quotes ...*Quote) *mockQuoteRepo {
	m := &mockQuoteRepo{
		quotes:   make(map[string]*Quote),
		payments: make(map[string]*Payment),
	}
	for _, q := range quotes {
		cp := *q
		m.quotes[q.ID] = &cp
	}
	return m
}

func (m *mockQuoteRepo) CreateQuote(ctx context.Context, q *Quote, p *Payment, ready Status) error {
	if m.CreateQuoteErr != nil {
		return m.CreateQuoteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.ID == "" {
		q.ID = "row-" + q.QuoteID
	}
	p.QuoteID = q.ID
	q.Status = ready
	cp := *q
	m.quotes[q.ID] = &cp
	pc := *p
	m.payments[q.ID] = &pc
	return nil
}

func (m *mockQuoteRepo) UpdatePaymentStatus(ctx context.Context, quoteRowID string, status PaymentStatus) error {
	if m.UpdatePaymentErr != nil {
		return m.UpdatePaymentErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[quoteRowID]
	if !ok {
		p = &Payment{QuoteID: quoteRowID}
		m.payments[quoteRowID] = p
	}
	p.Status = status
	return nil
}

func (m *mockQuoteRepo) paymentStatus(id string) PaymentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payments[id]; ok {
		return p.Status
	}
	return ""
}

func (m *mockQuoteRepo) GetQuote(ctx context.Context, quoteID string) (*Quote, error) {
	if m.GetQuoteErr != nil {
		return nil, m.GetQuoteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.quotes {
		if q.QuoteID == quoteID {
			cp := *q
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockQuoteRepo) UpdateQuoteStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[id]
	if !ok || q.Status != from {
		return false, nil
	}
	q.Status = to
	return true, nil
}

func (m *mockQuoteRepo) AdvanceNonce(ctx context.Context, id string, nonce int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotes[id]
	if !ok || q.Nonce >= nonce {
		return false, nil
	}
	q.Nonce = nonce
	return true, nil
}

func (m *mockQuoteRepo) status(id string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotes[id].Status
}

func (m *mockQuoteRepo) nonce(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quotes[id].Nonce
}

type mockResolver struct {
	ResolveStorage *Storage
	ResolveErr     error
}

func (m *mockResolver) Resolve(ctx context.Context, typ string) (*Storage, error) {
	if m.ResolveErr != nil {
		return nil, m.ResolveErr
	}
	if m.ResolveStorage == nil || m.ResolveStorage.Type != typ {
		return nil, ErrUnknownBackend
	}
	return m.ResolveStorage, nil
}

type mockGateway struct {
	mu sync.Mutex

	GetQuoteOffer   *Offer
	GetQuoteErr     error
	GetQuotePayload []byte
	PostUploadErr   error
	PostUploadReqs  []ForwardRequest
	GetStatusCode   int
	GetStatusErr    error
	GetLinkRaw      json.RawMessage
	GetLinkErr      error
	GetHistoryRaw   json.RawMessage
	GetHistoryErr   error
	GetHistoryReq   *HistoryQuery
}

func (m *mockGateway) GetQuote(ctx context.Context, baseURL string, payload []byte) (*Offer, error) {
	m.GetQuotePayload = payload
	return m.GetQuoteOffer, m.GetQuoteErr
}

func (m *mockGateway) PostUpload(ctx context.Context, baseURL string, req ForwardRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PostUploadReqs = append(m.PostUploadReqs, req)
	return m.PostUploadErr
}

func (m *mockGateway) GetStatus(ctx context.Context, baseURL, quoteID string) (int, error) {
	return m.GetStatusCode, m.GetStatusErr
}

func (m *mockGateway) GetLink(ctx context.Context, baseURL string, req LinkQuery) (json.RawMessage, error) {
	return m.GetLinkRaw, m.GetLinkErr
}

func (m *mockGateway) GetHistory(ctx context.Context, baseURL string, req HistoryQuery) (json.RawMessage, error) {
	m.GetHistoryReq = &req
	return m.GetHistoryRaw, m.GetHistoryErr
}

type mockStager struct {
	mu sync.Mutex

	StageRefs []FileRef
	StageErr  error
	// OnStage runs before Stage returns
	OnStage func()
	calls   int
}

func (m *mockStager) Stage(ctx context.Context, q *Quote, files []Upload) ([]FileRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.OnStage != nil {
		m.OnStage()
	}
	return m.StageRefs, m.StageErr
}
