package quote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, repo *mockQuoteRepo, gw *mockGateway, stager *mockStager, storage *Storage) *Service {
	t.Helper()
	s, err := New(Config{}, repo, &mockResolver{ResolveStorage: storage}, gw, stager, NewGuard(repo, nil))
	require.NoError(t, err)
	return s
}

func uploads(names ...string) []Upload {
	files := make([]Upload, 0, len(names))
	for _, n := range names {
		files = append(files, Upload{Name: n, ContentType: "text/plain", Size: 5, Body: strings.NewReader("hello")})
	}
	return files
}

func TestCreate(t *testing.T) {
	storage := &Storage{
		ID:   "storage-1",
		Type: "filecoin",
		URL:  "http://backend.test",
		PaymentMethods: []PaymentMethod{
			{ID: "pm-1", ChainID: "1"},
			{ID: "pm-137", ChainID: "137"},
		},
	}
	offer := &Offer{QuoteID: "xxxx", TokenAmount: "500", ApproveAddress: "0x123", ChainID: "1", TokenAddress: "0xOCEAN"}

	t.Run("success", func(t *testing.T) {
		repo := newMockQuoteRepo()
		gw := &mockGateway{GetQuoteOffer: offer}
		s := newTestService(t, repo, gw, &mockStager{}, storage)
		now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		s.now = func() time.Time { return now }

		raw := []byte(`{"type":"filecoin","files":[{"length":2000}],"duration":4353545453,"payment":{"chainId":137,"tokenAddress":"0xOCEAN"},"userAddress":"0x456"}`)
		var req CreateRequest
		require.NoError(t, json.Unmarshal(raw, &req))
		req.Raw = raw

		res, err := s.Create(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "xxxx", res.QuoteID)
		assert.Equal(t, Numeric("500"), res.TokenAmount)
		assert.Equal(t, Numeric("1"), res.ChainID)
		assert.Equal(t, raw, gw.GetQuotePayload)

		q := res.Quote
		assert.Equal(t, StatusAwaitingUpload, repo.status(q.ID))
		assert.Equal(t, now.Add(-7*24*time.Hour).Unix(), q.Nonce)
		assert.Equal(t, now.Add(30*time.Minute), q.Expiration)
		assert.Equal(t, int64(4353545453), q.Duration)

		p := repo.payments[q.ID]
		require.NotNil(t, p)
		assert.Equal(t, PaymentWaiting, p.Status)
		assert.Equal(t, "0x456", p.UserAddress)
		require.NotNil(t, p.PaymentMethodID)
		assert.Equal(t, "pm-137", *p.PaymentMethodID)
	})

	t.Run("unmatched chain", func(t *testing.T) {
		repo := newMockQuoteRepo()
		s := newTestService(t, repo, &mockGateway{GetQuoteOffer: offer}, &mockStager{}, storage)

		res, err := s.Create(context.Background(), CreateRequest{
			Type:    "filecoin",
			Files:   []DeclaredFile{{Length: 1}},
			Payment: PaymentInfo{ChainID: "5"},
		})
		require.NoError(t, err)
		assert.Nil(t, repo.payments[res.Quote.ID].PaymentMethodID)
		assert.Equal(t, "0xOCEAN", repo.payments[res.Quote.ID].TokenAddress)
	})

	t.Run("store fails", func(t *testing.T) {
		repo := newMockQuoteRepo()
		repo.CreateQuoteErr = errors.New("disk full")
		s := newTestService(t, repo, &mockGateway{GetQuoteOffer: offer}, &mockStager{}, storage)

		_, err := s.Create(context.Background(), CreateRequest{Type: "filecoin", Files: []DeclaredFile{{Length: 1}}})
		assert.Error(t, err)
		assert.Empty(t, repo.quotes)
		assert.Empty(t, repo.payments)
	})

	tests := []struct {
		name   string
		req    CreateRequest
		gw     *mockGateway
		called bool
		err    error
	}{
		{
			name: "missing type",
			req:  CreateRequest{Files: []DeclaredFile{{Length: 1}}},
			gw:   &mockGateway{GetQuoteErr: errors.New("must not be called")},
			err:  ErrInvalidInput,
		},
		{
			name: "no files",
			req:  CreateRequest{Type: "filecoin"},
			gw:   &mockGateway{GetQuoteErr: errors.New("must not be called")},
			err:  ErrInvalidInput,
		},
		{
			name: "unknown backend",
			req:  CreateRequest{Type: "sia", Files: []DeclaredFile{{Length: 1}}},
			gw:   &mockGateway{GetQuoteErr: errors.New("must not be called")},
			err:  ErrUnknownBackend,
		},
		{
			name:   "bad backend response",
			req:    CreateRequest{Type: "filecoin", Files: []DeclaredFile{{Length: 1}}},
			gw:     &mockGateway{GetQuoteErr: NewError(KindBackendBadResponse, "", nil)},
			called: true,
			err:    ErrBackendBadResponse,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockQuoteRepo()
			s := newTestService(t, repo, tt.gw, &mockStager{}, storage)

			_, err := s.Create(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.called, tt.gw.GetQuotePayload != nil)
			assert.Empty(t, repo.quotes)
		})
	}
}

func TestUpload(t *testing.T) {
	key, _ := newKey(t)
	refs := []FileRef{
		{ContentURI: "ipfs://a", ContentType: "text/plain"},
		{ContentURI: "ipfs://b", ContentType: "text/plain"},
	}

	tests := []struct {
		name       string
		quote      func() *Quote
		gw         *mockGateway
		stager     *mockStager
		files      []Upload
		err        error
		status     Status
		nonce      int64
		staged     int
		forwarded  int
		stageCalls int
	}{
		{
			name:       "success",
			quote:      func() *Quote { return testQuote(StatusAwaitingUpload) },
			gw:         &mockGateway{},
			stager:     &mockStager{StageRefs: refs},
			files:      uploads("a.txt", "b.txt"),
			status:     StatusUploadSucceeded,
			nonce:      1001,
			staged:     2,
			forwarded:  1,
			stageCalls: 1,
		},
		{
			name:       "backend rejects",
			quote:      func() *Quote { return testQuote(StatusAwaitingUpload) },
			gw:         &mockGateway{PostUploadErr: NewError(KindBackendHTTPError, "", errors.New("status 500"))},
			stager:     &mockStager{StageRefs: refs},
			files:      uploads("a.txt", "b.txt"),
			err:        ErrBackendHTTPError,
			status:     StatusUploadFailed,
			nonce:      1001,
			staged:     2,
			forwarded:  1,
			stageCalls: 1,
		},
		{
			name:       "backend unreachable",
			quote:      func() *Quote { return testQuote(StatusAwaitingUpload) },
			gw:         &mockGateway{PostUploadErr: NewError(KindBackendUnreachable, "", context.DeadlineExceeded)},
			stager:     &mockStager{StageRefs: refs},
			files:      uploads("a.txt", "b.txt"),
			err:        ErrBackendUnreachable,
			status:     StatusUploading,
			nonce:      1001,
			staged:     2,
			forwarded:  1,
			stageCalls: 1,
		},
		{
			name:       "staging unavailable",
			quote:      func() *Quote { return testQuote(StatusAwaitingUpload) },
			gw:         &mockGateway{},
			stager:     &mockStager{StageErr: NewError(KindStagingUnavailable, "", errors.New("connection refused"))},
			files:      uploads("a.txt"),
			err:        ErrStagingUnavailable,
			status:     StatusUploadFailed,
			nonce:      1001,
			stageCalls: 1,
		},
		{
			name:   "already uploaded",
			quote:  func() *Quote { return testQuote(StatusUploadSucceeded) },
			gw:     &mockGateway{},
			stager: &mockStager{StageRefs: refs},
			files:  uploads("a.txt"),
			err:    ErrAlreadyUploaded,
			status: StatusUploadSucceeded,
			nonce:  1000,
		},
		{
			name: "orphaned",
			quote: func() *Quote {
				q := testQuote(StatusAwaitingUpload)
				q.Storage, q.StorageID = nil, nil
				return q
			},
			gw:     &mockGateway{},
			stager: &mockStager{StageRefs: refs},
			files:  uploads("a.txt"),
			err:    ErrUnknownBackend,
			status: StatusAwaitingUpload,
			nonce:  1000,
		},
		{
			name:   "no files",
			quote:  func() *Quote { return testQuote(StatusAwaitingUpload) },
			gw:     &mockGateway{},
			stager: &mockStager{StageRefs: refs},
			err:    ErrInvalidInput,
			status: StatusAwaitingUpload,
			nonce:  1000,
		},
		{
			name: "expired",
			quote: func() *Quote {
				q := testQuote(StatusAwaitingUpload)
				q.Expiration = time.Now().Add(-time.Minute)
				return q
			},
			gw:     &mockGateway{},
			stager: &mockStager{StageRefs: refs},
			files:  uploads("a.txt"),
			err:    ErrQuoteExpired,
			status: StatusAwaitingUpload,
			nonce:  1000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.quote()
			repo := newMockQuoteRepo(q)
			s := newTestService(t, repo, tt.gw, tt.stager, q.Storage)

			res, err := s.Upload(context.Background(), UploadRequest{
				QuoteID:     q.QuoteID,
				Credentials: sign(t, q.QuoteID, 1001, key),
				Files:       tt.files,
			})
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			if res != nil {
				assert.Equal(t, tt.staged, res.Staged)
				assert.Equal(t, tt.status, res.Status)
			}

			assert.Equal(t, tt.status, repo.status(q.ID))
			assert.Equal(t, tt.nonce, repo.nonce(q.ID))
			assert.Len(t, tt.gw.PostUploadReqs, tt.forwarded)
			assert.Equal(t, tt.stageCalls, tt.stager.calls)

			if tt.forwarded > 0 {
				fwd := tt.gw.PostUploadReqs[0]
				assert.Equal(t, q.QuoteID, fwd.QuoteID)
				assert.Equal(t, int64(1001), fwd.Nonce)
				assert.Equal(t, refs, fwd.Files)
			}
		})
	}
}

func TestUploadCanceled(t *testing.T) {
	key, _ := newKey(t)

	tests := []struct {
		name   string
		stager func(cancel func()) *mockStager
		err    error
		status Status
	}{
		{
			name: "staging fails",
			stager: func(cancel func()) *mockStager {
				return &mockStager{OnStage: cancel, StageErr: NewError(KindStagingUnavailable, "", context.Canceled)}
			},
			err:    ErrStagingUnavailable,
			status: StatusUploadFailed,
		},
		{
			name: "forwarded",
			stager: func(cancel func()) *mockStager {
				return &mockStager{OnStage: cancel, StageRefs: []FileRef{{ContentURI: "ipfs://a"}}}
			},
			status: StatusUploadSucceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := testQuote(StatusAwaitingUpload)
			repo := newMockQuoteRepo(q)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			s := newTestService(t, repo, &mockGateway{}, tt.stager(cancel), q.Storage)

			_, err := s.Upload(ctx, UploadRequest{
				QuoteID:     q.QuoteID,
				Credentials: sign(t, q.QuoteID, 1001, key),
				Files:       uploads("a.txt"),
			})
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.status, repo.status(q.ID))
		})
	}
}

func TestUploadPayment(t *testing.T) {
	key, _ := newKey(t)

	tests := []struct {
		name       string
		gw         *mockGateway
		paymentErr error
		payment    PaymentStatus
		status     Status
	}{
		{
			name:    "succeeded",
			gw:      &mockGateway{},
			payment: PaymentDone,
			status:  StatusUploadSucceeded,
		},
		{
			name:    "failed",
			gw:      &mockGateway{PostUploadErr: NewError(KindBackendHTTPError, "", errors.New("status 500"))},
			payment: PaymentWaiting,
			status:  StatusUploadFailed,
		},
		{
			name:       "store fails",
			gw:         &mockGateway{},
			paymentErr: errors.New("disk full"),
			payment:    PaymentWaiting,
			status:     StatusUploadSucceeded,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := testQuote(StatusAwaitingUpload)
			repo := newMockQuoteRepo(q)
			repo.payments[q.ID] = &Payment{QuoteID: q.ID, Status: PaymentWaiting}
			repo.UpdatePaymentErr = tt.paymentErr
			s := newTestService(t, repo, tt.gw, &mockStager{StageRefs: []FileRef{{ContentURI: "ipfs://a"}}}, q.Storage)

			_, _ = s.Upload(context.Background(), UploadRequest{
				QuoteID:     q.QuoteID,
				Credentials: sign(t, q.QuoteID, 1001, key),
				Files:       uploads("a.txt"),
			})
			assert.Equal(t, tt.status, repo.status(q.ID))
			assert.Equal(t, tt.payment, repo.paymentStatus(q.ID))
		})
	}
}

func TestUploadNotFound(t *testing.T) {
	s := newTestService(t, newMockQuoteRepo(), &mockGateway{}, &mockStager{}, nil)

	_, err := s.Upload(context.Background(), UploadRequest{QuoteID: "nope", Files: uploads("a.txt")})
	assert.ErrorIs(t, err, ErrQuoteNotFound)

	_, err = s.Upload(context.Background(), UploadRequest{Files: uploads("a.txt")})
	assert.ErrorIs(t, err, ErrMissingParameters)
}

func TestUploadConcurrent(t *testing.T) {
	key, _ := newKey(t)
	q := testQuote(StatusAwaitingUpload)
	repo := newMockQuoteRepo(q)
	gw := &mockGateway{}
	stager := &mockStager{StageRefs: []FileRef{{ContentURI: "ipfs://a"}}}
	s := newTestService(t, repo, gw, stager, q.Storage)

	creds := make([]Credentials, 8)
	for i := range creds {
		creds[i] = sign(t, q.QuoteID, int64(1001+i), key)
	}

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for _, c := range creds {
		wg.Add(1)
		go func(c Credentials) {
			defer wg.Done()
			_, err := s.Upload(context.Background(), UploadRequest{
				QuoteID:     q.QuoteID,
				Credentials: c,
				Files:       uploads("a.txt"),
			})
			if err == nil {
				succeeded.Add(1)
			}
		}(c)
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, 1, stager.calls)
	assert.Len(t, gw.PostUploadReqs, 1)
	assert.Equal(t, StatusUploadSucceeded, repo.status(q.ID))
}

func TestRefreshStatus(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		gw     *mockGateway
		want   Status
		err    error
	}{
		{
			name:   "advance to succeeded",
			status: StatusUploading,
			gw:     &mockGateway{GetStatusCode: 400},
			want:   StatusUploadSucceeded,
		},
		{
			name:   "advance over several edges",
			status: StatusAwaitingUpload,
			gw:     &mockGateway{GetStatusCode: 401},
			want:   StatusUploadFailed,
		},
		{
			name:   "payment pending maps to uploading",
			status: StatusAwaitingUpload,
			gw:     &mockGateway{GetStatusCode: 100},
			want:   StatusUploading,
		},
		{
			name:   "backend behind is ignored",
			status: StatusUploadSucceeded,
			gw:     &mockGateway{GetStatusCode: 1},
			want:   StatusUploadSucceeded,
		},
		{
			name:   "terminal states do not flip",
			status: StatusUploadFailed,
			gw:     &mockGateway{GetStatusCode: 400},
			want:   StatusUploadFailed,
		},
		{
			name:   "unreachable while uploading",
			status: StatusUploading,
			gw:     &mockGateway{GetStatusErr: NewError(KindBackendUnreachable, "", context.DeadlineExceeded)},
			want:   StatusUploadFailed,
			err:    ErrBackendUnreachable,
		},
		{
			name:   "unreachable while awaiting upload",
			status: StatusAwaitingUpload,
			gw:     &mockGateway{GetStatusErr: NewError(KindBackendUnreachable, "", context.DeadlineExceeded)},
			want:   StatusAwaitingUpload,
			err:    ErrBackendUnreachable,
		},
		{
			name:   "unknown code",
			status: StatusAwaitingUpload,
			gw:     &mockGateway{GetStatusCode: 999},
			want:   StatusAwaitingUpload,
			err:    ErrBackendBadResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := testQuote(tt.status)
			repo := newMockQuoteRepo(q)
			s := newTestService(t, repo, tt.gw, &mockStager{}, q.Storage)

			got, err := s.RefreshStatus(context.Background(), q.QuoteID)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, repo.status(q.ID))

			paid := tt.status != StatusUploadSucceeded && tt.want == StatusUploadSucceeded
			assert.Equal(t, paid, repo.paymentStatus(q.ID) == PaymentDone)
		})
	}
}

func TestLink(t *testing.T) {
	key, _ := newKey(t)
	q := testQuote(StatusUploadSucceeded)
	repo := newMockQuoteRepo(q)
	gw := &mockGateway{GetLinkRaw: json.RawMessage(`[{"type":"filecoin","CID":"xxxx"}]`)}
	s := newTestService(t, repo, gw, &mockStager{}, q.Storage)

	got, err := s.Link(context.Background(), LinkRequest{QuoteID: q.QuoteID, Credentials: sign(t, q.QuoteID, 1001, key)})
	require.NoError(t, err)
	b, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"filecoin","CID":"xxxx"}`, string(b))

	// replaying the same nonce is rejected
	_, err = s.Link(context.Background(), LinkRequest{QuoteID: q.QuoteID, Credentials: sign(t, q.QuoteID, 1001, key)})
	assert.ErrorIs(t, err, ErrStaleNonce)

	_, err = s.Link(context.Background(), LinkRequest{QuoteID: q.QuoteID})
	assert.ErrorIs(t, err, ErrMissingParameters)
}

func TestHistory(t *testing.T) {
	key, addr := newKey(t)
	otherKey, _ := newKey(t)
	storage := &Storage{ID: "storage-1", Type: "filecoin", URL: "http://backend.test", Active: true}
	gw := &mockGateway{GetHistoryRaw: json.RawMessage(`[{"quoteId":"xxxx"}]`)}
	s := newTestService(t, newMockQuoteRepo(), gw, &mockStager{}, storage)

	raw, err := s.History(context.Background(), HistoryRequest{
		Type:        "filecoin",
		UserAddress: addr,
		Credentials: sign(t, addr, 7, key),
		Page:        2,
		PageSize:    10,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"quoteId":"xxxx"}]`, string(raw))
	require.NotNil(t, gw.GetHistoryReq)
	assert.Equal(t, 2, gw.GetHistoryReq.Page)
	assert.Equal(t, int64(7), gw.GetHistoryReq.Nonce)

	_, err = s.History(context.Background(), HistoryRequest{
		Type:        "filecoin",
		UserAddress: addr,
		Credentials: sign(t, addr, 7, otherKey),
	})
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = s.History(context.Background(), HistoryRequest{
		Type:        "sia",
		UserAddress: addr,
		Credentials: sign(t, addr, 7, key),
	})
	assert.ErrorIs(t, err, ErrUnknownBackend)

	_, err = s.History(context.Background(), HistoryRequest{UserAddress: addr, Credentials: sign(t, addr, 7, key)})
	assert.ErrorIs(t, err, ErrMissingParameters)
}
