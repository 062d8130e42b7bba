package quote

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

// Storage is a registered storage backend.
type Storage struct {
	ID             string          `db:"id" json:"-"`
	Type           string          `db:"type" json:"type"`
	Description    string          `db:"description" json:"description"`
	URL            string          `db:"url" json:"-"`
	Active         bool            `db:"active" json:"-"`
	CreatedAt      time.Time       `db:"created_at" json:"-"`
	PaymentMethods []PaymentMethod `db:"-" json:"payment"`
}

// Kind classifies the backend by its registered type.
func (s *Storage) Kind() BackendKind {
	return ParseBackendKind(s.Type)
}

// PaymentMethodForChain returns the payment method accepting chainID, if any.
func (s *Storage) PaymentMethodForChain(chainID string) *PaymentMethod {
	for i := range s.PaymentMethods {
		if s.PaymentMethods[i].ChainID == chainID {
			return &s.PaymentMethods[i]
		}
	}
	return nil
}

type PaymentMethod struct {
	ID             string          `db:"id" json:"-"`
	StorageID      string          `db:"storage_id" json:"-"`
	ChainID        string          `db:"chain_id" json:"chainId"`
	RPCEndpointURL string          `db:"rpc_endpoint_url" json:"-"`
	AcceptedTokens []AcceptedToken `db:"-" json:"acceptedTokens"`
}

type AcceptedToken struct {
	ID              string `db:"id" json:"-"`
	PaymentMethodID string `db:"payment_method_id" json:"-"`
	Title           string `db:"title" json:"title"`
	Value           string `db:"value" json:"value"`
}

// Quote is a backend price offer the broker keeps track of. ID is the local
// row identifier, QuoteID the identifier issued by the backend.
type Quote struct {
	ID             string    `db:"id"`
	QuoteID        string    `db:"quote_id"`
	StorageID      *string   `db:"storage_id"`
	Duration       int64     `db:"duration"`
	TokenAddress   string    `db:"token_address"`
	ApproveAddress string    `db:"approve_address"`
	TokenAmount    string    `db:"token_amount"`
	Status         Status    `db:"status"`
	Nonce          int64     `db:"nonce"`
	Expiration     time.Time `db:"expiration"`
	CreatedAt      time.Time `db:"created_at"`

	Storage *Storage `db:"-"`
	Payment *Payment `db:"-"`
}

func (q *Quote) Expired(now time.Time) bool {
	return now.After(q.Expiration)
}

// Orphaned reports whether the backend of q is gone.
func (q *Quote) Orphaned() bool {
	return q.Storage == nil
}

type PaymentStatus string

const (
	PaymentWaiting  PaymentStatus = "waiting"
	PaymentDone     PaymentStatus = "done"
	PaymentRefunded PaymentStatus = "refunded"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentWaiting, PaymentDone, PaymentRefunded:
		return true
	}
	return false
}

type Payment struct {
	ID              string        `db:"id"`
	QuoteID         string        `db:"quote_id"`
	PaymentMethodID *string       `db:"payment_method_id"`
	UserAddress     string        `db:"user_address"`
	TokenAddress    string        `db:"token_address"`
	Status          PaymentStatus `db:"status"`
}

// File is a staged file attached to a quote.
type File struct {
	ID          string `db:"id"`
	QuoteID     string `db:"quote_id"`
	Title       string `db:"title"`
	CID         string `db:"cid"`
	PublicURL   string `db:"public_url"`
	Length      int64  `db:"length"`
	ContentType string `db:"content_type"`
}

// FileRef is the reference to a staged file handed to storage backends.
type FileRef struct {
	ContentURI  string `json:"contentURI"`
	ContentType string `json:"contentType"`
}

// Upload is a client file waiting to be staged.
type Upload struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
}

// Offer is the price offer a backend returns from getQuote.
type Offer struct {
	QuoteID        string  `json:"quoteId"`
	TokenAmount    Numeric `json:"tokenAmount"`
	ApproveAddress string  `json:"approveAddress"`
	ChainID        Numeric `json:"chainId"`
	TokenAddress   string  `json:"tokenAddress"`
}

// Numeric holds a value peers send either as a JSON number or as a string.
// It is re-encoded as a number whenever its text is a valid number literal.
type Numeric string

func (n *Numeric) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	switch {
	case s == "null":
		return nil
	case strings.HasPrefix(s, `"`):
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*n = Numeric(str)
		return nil
	case isNumberLiteral(s):
		*n = Numeric(s)
		return nil
	default:
		return errors.New("numeric: expected a number or a string")
	}
}

func (n Numeric) MarshalJSON() ([]byte, error) {
	if isNumberLiteral(string(n)) {
		return []byte(n), nil
	}
	return json.Marshal(string(n))
}

func isNumberLiteral(s string) bool {
	if s == "" || !(s[0] == '-' || (s[0] >= '0' && s[0] <= '9')) {
		return false
	}
	var num json.Number
	return json.Unmarshal([]byte(s), &num) == nil
}
