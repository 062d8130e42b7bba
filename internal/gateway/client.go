// Package gateway talks to the storage backends over their HTTP API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/oceanprotocol/uploader-backend/internal/quote"
)

var log = logging.Logger("gateway")

const (
	DefaultTimeout = 5 * time.Second

	maxResponseBytes = 4 << 20
	maxErrorBody     = 512
)

// HTTPError is a non 2xx answer from a backend.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, body: %s", e.StatusCode, e.Body)
}

// Client calls storage backends. The backend base URL is passed per call
// since each quote is bound to its own backend.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// New creates a backend client. Every call is bounded by timeout.
func New(httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		httpClient: httpClient,
		timeout:    timeout,
	}
}

// GetQuote asks a backend for an offer. payload is forwarded as is.
func (c *Client) GetQuote(ctx context.Context, baseURL string, payload []byte) (*quote.Offer, error) {
	var offer quote.Offer
	if err := c.do(ctx, http.MethodPost, baseURL, "getQuote", nil, payload, &offer); err != nil {
		return nil, err
	}

	if offer.QuoteID == "" || offer.TokenAmount == "" || offer.ApproveAddress == "" || offer.TokenAddress == "" {
		return nil, quote.NewError(quote.KindBackendBadResponse, "", fmt.Errorf("incomplete offer %+v", offer))
	}
	return &offer, nil
}

// PostUpload hands the staged file references to the backend.
func (c *Client) PostUpload(ctx context.Context, baseURL string, req quote.ForwardRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal upload: %w", err)
	}
	q := url.Values{}
	q.Set("quoteId", req.QuoteID)
	q.Set("nonce", strconv.FormatInt(req.Nonce, 10))
	q.Set("signature", req.Signature)

	return c.do(ctx, http.MethodPost, baseURL, "upload", q, body, nil)
}

// GetStatus returns the status code the backend reports for a quote.
func (c *Client) GetStatus(ctx context.Context, baseURL, quoteID string) (int, error) {
	q := url.Values{}
	q.Set("quoteId", quoteID)

	var resp struct {
		Status *quote.Numeric `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, baseURL, "getStatus", q, nil, &resp); err != nil {
		return 0, err
	}
	if resp.Status == nil {
		return 0, quote.NewError(quote.KindBackendBadResponse, "", fmt.Errorf("status missing"))
	}
	code, err := strconv.Atoi(string(*resp.Status))
	if err != nil {
		return 0, quote.NewError(quote.KindBackendBadResponse, "", fmt.Errorf("status %q: %w", *resp.Status, err))
	}
	return code, nil
}

// GetLink returns the raw link document of a quote.
func (c *Client) GetLink(ctx context.Context, baseURL string, req quote.LinkQuery) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("quoteId", req.QuoteID)
	q.Set("nonce", strconv.FormatInt(req.Nonce, 10))
	q.Set("signature", req.Signature)

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, baseURL, "getLink", q, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// GetHistory returns the raw upload history of a user.
func (c *Client) GetHistory(ctx context.Context, baseURL string, req quote.HistoryQuery) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("userAddress", req.UserAddress)
	q.Set("nonce", strconv.FormatInt(req.Nonce, 10))
	q.Set("signature", req.Signature)
	if req.Page > 0 {
		q.Set("page", strconv.Itoa(req.Page))
	}
	if req.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(req.PageSize))
	}

	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, baseURL, "getHistory", q, nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// do performs one request and classifies the outcome. Transport failures and
// timeouts are BackendUnreachable, non 2xx answers BackendHTTPError and
// undecodable bodies BackendBadResponse. out may be nil when the body is
// ignored.
func (c *Client) do(ctx context.Context, method, baseURL, path string, query url.Values, body []byte, out any) error {
	target, err := url.JoinPath(baseURL, path)
	if err != nil {
		return quote.NewError(quote.KindBackendUnreachable, "", fmt.Errorf("backend url %q: %w", baseURL, err))
	}
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return quote.NewError(quote.KindBackendUnreachable, "", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return quote.NewError(quote.KindBackendUnreachable, "", fmt.Errorf("%s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return quote.NewError(quote.KindBackendUnreachable, "", fmt.Errorf("%s %s: read body: %w", method, path, err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := data
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		log.Debugw("backend error", "method", method, "path", path, "status", resp.StatusCode)
		return quote.NewError(quote.KindBackendHTTPError, "", &HTTPError{StatusCode: resp.StatusCode, Body: string(snippet)})
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return quote.NewError(quote.KindBackendBadResponse, "", fmt.Errorf("%s %s: %w", method, path, err))
	}
	return nil
}
