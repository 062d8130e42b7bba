package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("quote")

const (
	DefaultQuoteTTL        = 30 * time.Minute
	DefaultInitialNonceAge = 7 * 24 * time.Hour
)

type Config struct {
	QuoteTTL        time.Duration
	InitialNonceAge time.Duration
}

func New(cfg Config, repo quoteRepo, backends backendResolver, gw backendGateway, stager fileStager, guard *Guard) (*Service, error) {
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = DefaultQuoteTTL
	}
	if cfg.InitialNonceAge <= 0 {
		cfg.InitialNonceAge = DefaultInitialNonceAge
	}
	if guard == nil {
		guard = NewGuard(repo, nil)
	}
	return &Service{
		cfg:      cfg,
		repo:     repo,
		backends: backends,
		gw:       gw,
		stager:   stager,
		guard:    guard,
		now:      time.Now,
	}, nil
}

type Service struct {
	cfg      Config
	repo     quoteRepo
	backends backendResolver
	gw       backendGateway
	stager   fileStager
	guard    *Guard
	now      func() time.Time
}

type quoteRepo interface {
	CreateQuote(ctx context.Context, q *Quote, p *Payment, ready Status) error
	GetQuote(ctx context.Context, quoteID string) (*Quote, error)
	UpdateQuoteStatus(ctx context.Context, id string, from, to Status) (bool, error)
	AdvanceNonce(ctx context.Context, id string, nonce int64) (bool, error)
	UpdatePaymentStatus(ctx context.Context, quoteRowID string, status PaymentStatus) error
}

type backendResolver interface {
	Resolve(ctx context.Context, typ string) (*Storage, error)
}

type backendGateway interface {
	GetQuote(ctx context.Context, baseURL string, payload []byte) (*Offer, error)
	PostUpload(ctx context.Context, baseURL string, req ForwardRequest) error
	GetStatus(ctx context.Context, baseURL, quoteID string) (int, error)
	GetLink(ctx context.Context, baseURL string, req LinkQuery) (json.RawMessage, error)
	GetHistory(ctx context.Context, baseURL string, req HistoryQuery) (json.RawMessage, error)
}

type fileStager interface {
	Stage(ctx context.Context, q *Quote, files []Upload) ([]FileRef, error)
}

// ForwardRequest is the upload notification sent to a backend once the
// files are staged.
type ForwardRequest struct {
	QuoteID   string    `json:"quoteId"`
	Nonce     int64     `json:"nonce"`
	Signature string    `json:"signature"`
	Files     []FileRef `json:"files"`
}

type LinkQuery struct {
	QuoteID   string
	Nonce     int64
	Signature string
}

type HistoryQuery struct {
	UserAddress string
	Nonce       int64
	Signature   string
	Page        int
	PageSize    int
}

type CreateRequest struct {
	Type        string         `json:"type"`
	Files       []DeclaredFile `json:"files"`
	Duration    int64          `json:"duration"`
	Payment     PaymentInfo    `json:"payment"`
	UserAddress string         `json:"userAddress"`

	// Raw is the client payload as received. It is forwarded to the backend
	// unchanged when set.
	Raw []byte `json:"-"`
}

type DeclaredFile struct {
	Length int64 `json:"length"`
}

type PaymentInfo struct {
	ChainID      Numeric `json:"chainId"`
	TokenAddress string  `json:"tokenAddress"`
}

type CreateResult struct {
	QuoteID        string  `json:"quoteId"`
	TokenAmount    Numeric `json:"tokenAmount"`
	ApproveAddress string  `json:"approveAddress"`
	ChainID        Numeric `json:"chainId"`
	TokenAddress   string  `json:"tokenAddress"`

	Quote *Quote `json:"-"`
}

// Create requests an offer from the backend registered for req.Type and
// records it as a quote awaiting upload.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if req.Type == "" || len(req.Files) == 0 {
		return nil, ErrInvalidInput
	}

	storage, err := s.backends.Resolve(ctx, req.Type)
	if err != nil {
		return nil, err
	}

	payload := req.Raw
	if payload == nil {
		if payload, err = json.Marshal(req); err != nil {
			return nil, fmt.Errorf("marshal quote request: %w", err)
		}
	}

	offer, err := s.gw.GetQuote(ctx, storage.URL, payload)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	q := &Quote{
		QuoteID:        offer.QuoteID,
		StorageID:      &storage.ID,
		Duration:       req.Duration,
		TokenAddress:   offer.TokenAddress,
		ApproveAddress: offer.ApproveAddress,
		TokenAmount:    string(offer.TokenAmount),
		Status:         StatusCreated,
		Nonce:          now.Add(-s.cfg.InitialNonceAge).Unix(),
		Expiration:     now.Add(s.cfg.QuoteTTL),
		CreatedAt:      now,
		Storage:        storage,
	}
	p := &Payment{
		UserAddress:  req.UserAddress,
		TokenAddress: req.Payment.TokenAddress,
		Status:       PaymentWaiting,
	}
	if p.TokenAddress == "" {
		p.TokenAddress = offer.TokenAddress
	}
	if pm := storage.PaymentMethodForChain(string(req.Payment.ChainID)); pm != nil {
		p.PaymentMethodID = &pm.ID
	}

	// stored and made ready together so a failure leaves no created row
	if !q.Status.CanTransition(StatusAwaitingUpload) {
		return nil, NewError(KindInternal, "", fmt.Errorf("illegal transition %s -> %s", q.Status, StatusAwaitingUpload))
	}
	if err := s.repo.CreateQuote(ctx, q, p, StatusAwaitingUpload); err != nil {
		return nil, fmt.Errorf("repo.CreateQuote: %w", err)
	}
	q.Payment = p
	log.Debugw("quote transition", "quote", q.QuoteID, "from", StatusCreated, "to", q.Status)

	chainID := offer.ChainID
	if chainID == "" {
		chainID = req.Payment.ChainID
	}
	log.Infow("quote created", "quote", q.QuoteID, "type", storage.Type, "amount", q.TokenAmount)

	return &CreateResult{
		QuoteID:        q.QuoteID,
		TokenAmount:    offer.TokenAmount,
		ApproveAddress: q.ApproveAddress,
		ChainID:        chainID,
		TokenAddress:   q.TokenAddress,
		Quote:          q,
	}, nil
}

// Get loads a quote by its backend issued id.
func (s *Service) Get(ctx context.Context, quoteID string) (*Quote, error) {
	if quoteID == "" {
		return nil, ErrMissingParameters
	}
	q, err := s.repo.GetQuote(ctx, quoteID)
	if err != nil {
		return nil, fmt.Errorf("repo.GetQuote: %w", err)
	}
	if q == nil {
		return nil, ErrQuoteNotFound
	}
	return q, nil
}

// BeginUpload moves q from awaiting_upload to uploading. Only one caller
// can win for a given quote.
func (s *Service) BeginUpload(ctx context.Context, q *Quote) error {
	switch q.Status {
	case StatusAwaitingUpload:
	case StatusCreated:
		return NewError(KindInvalidInput, "Quote is not ready for upload.", nil)
	default:
		return ErrAlreadyUploaded
	}

	ok, err := s.repo.UpdateQuoteStatus(ctx, q.ID, q.Status, StatusUploading)
	if err != nil {
		return fmt.Errorf("repo.UpdateQuoteStatus: %w", err)
	}
	if !ok {
		return ErrAlreadyUploaded
	}
	q.Status = StatusUploading
	return nil
}

// CompleteUpload records the outcome of forwarding an upload. An
// unreachable backend leaves the quote uploading, its status can be
// refreshed later.
func (s *Service) CompleteUpload(ctx context.Context, q *Quote, result error) error {
	next := StatusUploadSucceeded
	switch {
	case result == nil:
	case errors.Is(result, ErrBackendUnreachable):
		log.Warnw("backend unreachable, upload outcome unknown", "quote", q.QuoteID, "err", result)
		return nil
	default:
		next = StatusUploadFailed
	}
	return s.transition(ctx, q, next)
}

type UploadRequest struct {
	QuoteID     string
	Credentials Credentials
	Files       []Upload
}

type UploadResult struct {
	Staged int
	Status Status
}

// Upload authorizes, stages and forwards files for a quote. The result is
// returned alongside errors raised after staging so callers can report how
// many files were staged.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	q, err := s.Get(ctx, req.QuoteID)
	if err != nil {
		return nil, err
	}
	if q.Orphaned() {
		return nil, ErrUnknownBackend
	}
	if len(req.Files) == 0 {
		return nil, NewError(KindInvalidInput, "No file sent alongside the request.", nil)
	}
	// checked before the guard so replays against finished quotes do not
	// burn a nonce
	if q.Status.Terminal() {
		return nil, ErrAlreadyUploaded
	}

	nonce, err := s.guard.Authorize(ctx, q, req.Credentials)
	if err != nil {
		return nil, err
	}
	if err := s.BeginUpload(ctx, q); err != nil {
		return nil, err
	}

	res := &UploadResult{Status: q.Status}
	// the outcome is recorded even when the client goes away mid upload,
	// otherwise the quote would stay uploading
	record := context.WithoutCancel(ctx)

	refs, err := s.stager.Stage(ctx, q, req.Files)
	if err != nil {
		if cErr := s.CompleteUpload(record, q, err); cErr != nil {
			log.Errorw("recording staging failure", "quote", q.QuoteID, "err", cErr)
		}
		res.Status = q.Status
		return res, err
	}
	res.Staged = len(refs)

	fwdErr := s.gw.PostUpload(ctx, q.Storage.URL, ForwardRequest{
		QuoteID:   q.QuoteID,
		Nonce:     nonce,
		Signature: req.Credentials.Signature,
		Files:     refs,
	})
	if err := s.CompleteUpload(record, q, fwdErr); err != nil {
		res.Status = q.Status
		if fwdErr != nil {
			log.Errorw("recording upload outcome", "quote", q.QuoteID, "err", err)
			return res, fwdErr
		}
		return res, err
	}
	res.Status = q.Status
	if fwdErr != nil {
		return res, fwdErr
	}

	log.Infow("upload forwarded", "quote", q.QuoteID, "files", res.Staged)
	return res, nil
}

// RefreshStatus asks the backend for the status of a quote and advances the
// local status along legal edges towards it.
func (s *Service) RefreshStatus(ctx context.Context, quoteID string) (Status, error) {
	q, err := s.Get(ctx, quoteID)
	if err != nil {
		return 0, err
	}
	if q.Orphaned() {
		return q.Status, ErrUnknownBackend
	}

	code, err := s.gw.GetStatus(ctx, q.Storage.URL, q.QuoteID)
	var target Status
	if err == nil {
		var ok bool
		if target, ok = StatusFromBackendCode(code); !ok {
			err = NewError(KindBackendBadResponse, "", fmt.Errorf("unknown status code %d", code))
		}
	}
	if err != nil {
		if q.Status == StatusUploading {
			if tErr := s.transition(ctx, q, StatusUploadFailed); tErr != nil {
				log.Errorw("failing quote after status error", "quote", q.QuoteID, "err", tErr)
			}
		}
		return q.Status, err
	}

	steps, ok := q.Status.PathTo(target)
	if !ok {
		log.Debugw("ignoring backend status", "quote", q.QuoteID, "local", q.Status, "backend", target)
		return q.Status, nil
	}
	for _, next := range steps {
		if err := s.transition(ctx, q, next); err != nil {
			return q.Status, err
		}
	}
	return q.Status, nil
}

type LinkRequest struct {
	QuoteID     string
	Credentials Credentials
}

// Link fetches the storage link of an uploaded quote from its backend.
func (s *Service) Link(ctx context.Context, req LinkRequest) (any, error) {
	if req.QuoteID == "" || req.Credentials.Missing() {
		return nil, ErrMissingParameters
	}
	q, err := s.Get(ctx, req.QuoteID)
	if err != nil {
		return nil, err
	}
	if q.Orphaned() {
		return nil, ErrUnknownBackend
	}

	nonce, err := s.guard.Authorize(ctx, q, req.Credentials)
	if err != nil {
		return nil, err
	}

	raw, err := s.gw.GetLink(ctx, q.Storage.URL, LinkQuery{
		QuoteID:   q.QuoteID,
		Nonce:     nonce,
		Signature: req.Credentials.Signature,
	})
	if err != nil {
		return nil, err
	}
	return ShapeLink(q.Storage.Kind(), q.Storage.Type, raw)
}

type HistoryRequest struct {
	Type        string
	UserAddress string
	Credentials Credentials
	Page        int
	PageSize    int
}

// History returns the upload history of a user as reported by a backend.
func (s *Service) History(ctx context.Context, req HistoryRequest) (json.RawMessage, error) {
	if req.Type == "" || req.UserAddress == "" || req.Credentials.Missing() {
		return nil, ErrMissingParameters
	}

	nonce, err := s.guard.AuthorizeOwner(req.UserAddress, req.Credentials)
	if err != nil {
		return nil, err
	}

	storage, err := s.backends.Resolve(ctx, req.Type)
	if err != nil {
		return nil, err
	}

	return s.gw.GetHistory(ctx, storage.URL, HistoryQuery{
		UserAddress: req.UserAddress,
		Nonce:       nonce,
		Signature:   req.Credentials.Signature,
		Page:        req.Page,
		PageSize:    req.PageSize,
	})
}

func (s *Service) transition(ctx context.Context, q *Quote, next Status) error {
	if !q.Status.CanTransition(next) {
		return NewError(KindInternal, "", fmt.Errorf("illegal transition %s -> %s", q.Status, next))
	}
	ok, err := s.repo.UpdateQuoteStatus(ctx, q.ID, q.Status, next)
	if err != nil {
		return fmt.Errorf("repo.UpdateQuoteStatus: %w", err)
	}
	if !ok {
		return NewError(KindInternal, "", fmt.Errorf("quote %s left %s concurrently", q.QuoteID, q.Status))
	}
	log.Debugw("quote transition", "quote", q.QuoteID, "from", q.Status, "to", next)
	q.Status = next

	// the backend pulls the allowance once it holds the files
	if next == StatusUploadSucceeded {
		if err := s.repo.UpdatePaymentStatus(ctx, q.ID, PaymentDone); err != nil {
			log.Errorw("recording payment", "quote", q.QuoteID, "err", err)
		} else if q.Payment != nil {
			q.Payment.Status = PaymentDone
		}
	}
	return nil
}
