package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanprotocol/uploader-backend/internal/quote"
)

func TestGetQuote(t *testing.T) {
	payload := []byte(`{"type":"filecoin","files":[{"length":2000}],"duration":4353545453,"payment":{"chainId":1,"tokenAddress":"0xOCEAN"},"userAddress":"0x456"}`)

	tests := []struct {
		name    string
		handler http.HandlerFunc
		offer   *quote.Offer
		err     error
	}{
		{
			name: "success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/getQuote", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				body, _ := io.ReadAll(r.Body)
				assert.Equal(t, payload, body)
				w.Write([]byte(`{"quoteId":"xxxx","tokenAmount":500,"approveAddress":"0x123","chainId":1,"tokenAddress":"0xOCEAN"}`))
			},
			offer: &quote.Offer{QuoteID: "xxxx", TokenAmount: "500", ApproveAddress: "0x123", ChainID: "1", TokenAddress: "0xOCEAN"},
		},
		{
			name: "string amount",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"quoteId":"xxxx","tokenAmount":"1000000000000000000000","approveAddress":"0x123","chainId":"137","tokenAddress":"0xOCEAN"}`))
			},
			offer: &quote.Offer{QuoteID: "xxxx", TokenAmount: "1000000000000000000000", ApproveAddress: "0x123", ChainID: "137", TokenAddress: "0xOCEAN"},
		},
		{
			name: "missing field",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"quoteId":"xxxx","tokenAmount":500,"chainId":1,"tokenAddress":"0xOCEAN"}`))
			},
			err: quote.ErrBackendBadResponse,
		},
		{
			name: "not json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`<html>`))
			},
			err: quote.ErrBackendBadResponse,
		},
		{
			name: "http error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", http.StatusBadRequest)
			},
			err: quote.ErrBackendHTTPError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			offer, err := New(srv.Client(), time.Second).GetQuote(context.Background(), srv.URL, payload)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.offer, offer)
		})
	}
}

func TestHTTPErrorDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("maintenance"))
	}))
	defer srv.Close()

	err := New(srv.Client(), time.Second).PostUpload(context.Background(), srv.URL, quote.ForwardRequest{QuoteID: "xxxx"})
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Equal(t, "maintenance", httpErr.Body)
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(nil, time.Second).GetStatus(context.Background(), url, "xxxx")
	assert.ErrorIs(t, err, quote.ErrBackendUnreachable)
}

func TestTimeout(t *testing.T) {
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-done:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(done)

	start := time.Now()
	err := New(srv.Client(), 50*time.Millisecond).PostUpload(context.Background(), srv.URL, quote.ForwardRequest{QuoteID: "xxxx"})
	assert.ErrorIs(t, err, quote.ErrBackendUnreachable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPostUpload(t *testing.T) {
	var got quote.ForwardRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload", r.URL.Path)
		assert.Equal(t, "xxxx", r.URL.Query().Get("quoteId"))
		assert.Equal(t, "1700000000", r.URL.Query().Get("nonce"))
		assert.Equal(t, "0xsig", r.URL.Query().Get("signature"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	req := quote.ForwardRequest{
		QuoteID:   "xxxx",
		Nonce:     1700000000,
		Signature: "0xsig",
		Files: []quote.FileRef{
			{ContentURI: "ipfs://a", ContentType: "image/png"},
			{ContentURI: "ipfs://b", ContentType: "text/plain"},
		},
	}
	require.NoError(t, New(srv.Client(), time.Second).PostUpload(context.Background(), srv.URL, req))
	assert.Equal(t, req, got)
}

func TestGetStatus(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
		err  error
	}{
		{"number", `{"status":400}`, 400, nil},
		{"string", `{"status":"300"}`, 300, nil},
		{"missing", `{}`, 0, quote.ErrBackendBadResponse},
		{"not a number", `{"status":"done"}`, 0, quote.ErrBackendBadResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/getStatus", r.URL.Path)
				assert.Equal(t, "xxxx", r.URL.Query().Get("quoteId"))
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			code, err := New(srv.Client(), time.Second).GetStatus(context.Background(), srv.URL, "xxxx")
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.code, code)
		})
	}
}

func TestGetLinkAndHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/getLink":
			assert.Equal(t, "xxxx", r.URL.Query().Get("quoteId"))
			w.Write([]byte(`[{"type":"filecoin","CID":"bafy"}]`))
		case "/getHistory":
			assert.Equal(t, "0xuser", r.URL.Query().Get("userAddress"))
			assert.Equal(t, "2", r.URL.Query().Get("page"))
			assert.Equal(t, "25", r.URL.Query().Get("pageSize"))
			w.Write([]byte(`{"items":[]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.Client(), time.Second)

	raw, err := c.GetLink(context.Background(), srv.URL+"/", quote.LinkQuery{QuoteID: "xxxx", Nonce: 1, Signature: "0xsig"})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":"filecoin","CID":"bafy"}]`, string(raw))

	raw, err = c.GetHistory(context.Background(), srv.URL, quote.HistoryQuery{UserAddress: "0xuser", Nonce: 1, Signature: "0xsig", Page: 2, PageSize: 25})
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":[]}`, string(raw))
}
