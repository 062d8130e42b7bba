// Package registry manages the storage backends known to the broker.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/oceanprotocol/uploader-backend/internal/quote"
)

var log = logging.Logger("registry")

const (
	DefaultTTL           = 10 * time.Minute
	DefaultSweepInterval = time.Minute
)

type storageRepo interface {
	CreateStorage(ctx context.Context, s *quote.Storage) error
	ReactivateStorage(ctx context.Context, s *quote.Storage) error
	GetStorageByType(ctx context.Context, typ string) (*quote.Storage, error)
	ListStorages(ctx context.Context, activeOnly bool) ([]quote.Storage, error)
	DeactivateStorages(ctx context.Context, olderThan time.Time) (int64, error)
}

func New(repo storageRepo) *Service {
	return &Service{
		repo: repo,
		now:  time.Now,
	}
}

type Service struct {
	repo storageRepo
	now  func() time.Time
}

type RegisterRequest struct {
	Type           string                 `json:"type"`
	Description    string                 `json:"description"`
	URL            string                 `json:"url"`
	PaymentMethods []PaymentMethodRequest `json:"paymentMethods"`
}

type PaymentMethodRequest struct {
	ChainID        quote.Numeric `json:"chainId"`
	RPCEndpointURL string        `json:"rpcEndpointUrl"`
	// Each token is either a single {"<title>": "<address>"} entry or an
	// explicit {"title": ..., "value": ...} pair.
	AcceptedTokens []map[string]string `json:"acceptedTokens"`
}

// Register adds a backend. A backend that registered before and has since
// been deactivated is brought back with the new details, reactivated is then
// true.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (reactivated bool, err error) {
	storage, err := req.storage()
	if err != nil {
		return false, err
	}
	storage.Active = true
	storage.CreatedAt = s.now().UTC()

	existing, err := s.repo.GetStorageByType(ctx, req.Type)
	if err != nil {
		return false, fmt.Errorf("repo.GetStorageByType: %w", err)
	}

	if existing == nil {
		// a concurrent registration of the same type makes the store
		// reject the insert with ErrBackendExists
		if err := s.repo.CreateStorage(ctx, storage); err != nil {
			if errors.Is(err, quote.ErrBackendExists) {
				return false, quote.ErrBackendExists
			}
			return false, fmt.Errorf("repo.CreateStorage: %w", err)
		}
		log.Infow("storage registered", "type", storage.Type, "url", storage.URL)
		return false, nil
	}

	if existing.Active {
		return false, quote.ErrBackendExists
	}

	storage.ID = existing.ID
	if err := s.repo.ReactivateStorage(ctx, storage); err != nil {
		return false, fmt.Errorf("repo.ReactivateStorage: %w", err)
	}
	log.Infow("storage reactivated", "type", storage.Type, "url", storage.URL)
	return true, nil
}

// List returns the active backends.
func (s *Service) List(ctx context.Context) ([]quote.Storage, error) {
	storages, err := s.repo.ListStorages(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("repo.ListStorages: %w", err)
	}
	return storages, nil
}

// Resolve returns the active backend registered for typ.
func (s *Service) Resolve(ctx context.Context, typ string) (*quote.Storage, error) {
	storage, err := s.repo.GetStorageByType(ctx, typ)
	if err != nil {
		return nil, fmt.Errorf("repo.GetStorageByType: %w", err)
	}
	if storage == nil || !storage.Active {
		return nil, quote.ErrUnknownBackend
	}
	return storage, nil
}

// Deactivate marks backends registered at or before olderThan inactive.
func (s *Service) Deactivate(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := s.repo.DeactivateStorages(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("repo.DeactivateStorages: %w", err)
	}
	return n, nil
}

// RunSweeper deactivates backends that have not re-registered within ttl,
// every interval, until ctx is done. A non positive ttl disables it.
func (s *Service) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	if ttl <= 0 {
		log.Infow("storage sweeper disabled")
		return
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	log.Infow("storage sweeper started", "interval", interval, "ttl", ttl)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Deactivate(ctx, s.now().Add(-ttl))
			if err != nil {
				log.Errorw("storage sweep", "err", err)
				continue
			}
			if n > 0 {
				log.Infow("storages deactivated", "count", n)
			}
		}
	}
}

func (r RegisterRequest) storage() (*quote.Storage, error) {
	if r.Type == "" || r.URL == "" {
		return nil, quote.ErrInvalidInput
	}
	u, err := url.ParseRequestURI(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, quote.NewError(quote.KindInvalidInput, "Input data is invalid.", fmt.Errorf("url %q", r.URL))
	}

	storage := &quote.Storage{
		Type:        r.Type,
		Description: r.Description,
		URL:         r.URL,
	}
	for _, pm := range r.PaymentMethods {
		if pm.ChainID == "" {
			return nil, quote.NewError(quote.KindInvalidInput, "Input data is invalid.", fmt.Errorf("payment method without chainId"))
		}
		method := quote.PaymentMethod{
			ChainID:        string(pm.ChainID),
			RPCEndpointURL: pm.RPCEndpointURL,
		}
		for _, tok := range pm.AcceptedTokens {
			t, err := parseToken(tok)
			if err != nil {
				return nil, err
			}
			method.AcceptedTokens = append(method.AcceptedTokens, t)
		}
		storage.PaymentMethods = append(storage.PaymentMethods, method)
	}
	return storage, nil
}

func parseToken(tok map[string]string) (quote.AcceptedToken, error) {
	if title, ok := tok["title"]; ok && len(tok) == 2 {
		if value, ok := tok["value"]; ok && title != "" && value != "" {
			return quote.AcceptedToken{Title: title, Value: value}, nil
		}
	}
	if len(tok) == 1 {
		for title, value := range tok {
			if title != "" && value != "" {
				return quote.AcceptedToken{Title: title, Value: value}, nil
			}
		}
	}
	return quote.AcceptedToken{}, quote.NewError(quote.KindInvalidInput, "Input data is invalid.", fmt.Errorf("accepted token %v", tok))
}
