package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ipfs/go-cid"

	"github.com/oceanprotocol/uploader-backend/internal/mimes"
	"github.com/oceanprotocol/uploader-backend/internal/quote"
	"github.com/oceanprotocol/uploader-backend/internal/registry"
	"github.com/oceanprotocol/uploader-backend/internal/storage/file"
)

const (
	maxJSONBody     = 1 << 20
	multipartMemory = 32 << 20
	healthTimeout   = 2 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

type handlers struct {
	config   Config
	quotes   *quote.Service
	registry *registry.Service
	db       pinger
	// staged is set when files are staged on local disk
	staged *file.Store
}

// handleHealth reports 503 while the database does not answer.
func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		log.Warnw("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListStorages lists the active storage backends
func (h *handlers) handleListStorages(w http.ResponseWriter, r *http.Request) {
	storages, err := h.registry.List(r.Context())
	if err != nil {
		writeError(w, r, err, opDefault, 0)
		return
	}
	if storages == nil {
		storages = []quote.Storage{}
	}
	writeJSON(w, http.StatusOK, storages)
}

// handleRegister registers a storage backend or reactivates a stale one
func (h *handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(&req); err != nil {
		writeError(w, r, quote.NewError(quote.KindInvalidInput, "", err), opDefault, 0)
		return
	}

	reactivated, err := h.registry.Register(r.Context(), req)
	if err != nil {
		writeError(w, r, err, opDefault, 0)
		return
	}

	if reactivated {
		writeJSON(w, http.StatusCreated, "Desired storage reactivated.")
		return
	}
	writeJSON(w, http.StatusCreated, "Desired storage created.")
}

// handleGetQuote asks the requested backend for an offer and records it
func (h *handlers) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody))
	if err != nil {
		writeError(w, r, quote.NewError(quote.KindInvalidInput, "", err), opDefault, 0)
		return
	}

	var req quote.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, quote.NewError(quote.KindInvalidInput, "", err), opDefault, 0)
		return
	}
	req.Raw = body

	res, err := h.quotes.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err, opDefault, 0)
		return
	}

	quotesCounter.Inc()
	writeJSON(w, http.StatusCreated, res)
}

// handleUpload stages the uploaded files and forwards them to the backend
func (h *handlers) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadBytes())

	files, cleanup, err := parseUploads(r)
	defer cleanup()
	if err != nil {
		uploadsCounter.WithLabelValues("rejected").Inc()
		writeError(w, r, err, opUpload, 0)
		return
	}

	q := r.URL.Query()
	res, err := h.quotes.Upload(r.Context(), quote.UploadRequest{
		QuoteID: q.Get("quoteId"),
		Credentials: quote.Credentials{
			Nonce:     q.Get("nonce"),
			Signature: q.Get("signature"),
		},
		Files: files,
	})

	var staged int
	if res != nil {
		staged = res.Staged
		stagedCounter.Add(float64(staged))
	}
	if err != nil {
		if res != nil {
			uploadsCounter.WithLabelValues("failed").Inc()
		} else {
			uploadsCounter.WithLabelValues("rejected").Inc()
		}
		writeError(w, r, err, opUpload, staged)
		return
	}

	uploadsCounter.WithLabelValues("succeeded").Inc()
	writeJSON(w, http.StatusOK, "File upload succeeded.")
}

// parseUploads collects every file part of a multipart request. Parts are
// ordered by form field name.
func parseUploads(r *http.Request) ([]quote.Upload, func(), error) {
	noop := func() {}

	err := r.ParseMultipartForm(multipartMemory)
	switch {
	case errors.Is(err, http.ErrNotMultipart):
		return nil, noop, nil
	case err != nil:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, noop, quote.NewError(quote.KindInvalidInput, "Upload too large.", err)
		}
		return nil, noop, quote.NewError(quote.KindInvalidInput, "", err)
	}

	form := r.MultipartForm
	var (
		opened  []multipart.File
		cleanup = func() {
			for _, f := range opened {
				f.Close()
			}
			form.RemoveAll()
		}
	)

	fields := make([]string, 0, len(form.File))
	for field := range form.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var uploads []quote.Upload
	for _, field := range fields {
		for _, fh := range form.File[field] {
			f, err := fh.Open()
			if err != nil {
				return nil, cleanup, quote.NewError(quote.KindInvalidInput, "", err)
			}
			opened = append(opened, f)

			uploads = append(uploads, quote.Upload{
				Name:        fh.Filename,
				ContentType: mimes.Resolve(fh.Header.Get("Content-Type"), fh.Filename),
				Size:        fh.Size,
				Body:        f,
			})
		}
	}
	return uploads, cleanup, nil
}

// handleGetStatus refreshes a quote status from its backend. When the
// backend cannot answer the locally known status is returned.
func (h *handlers) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.quotes.RefreshStatus(r.Context(), r.URL.Query().Get("quoteId"))
	if err != nil {
		switch quote.KindOf(err) {
		case quote.KindBackendUnreachable, quote.KindBackendHTTPError, quote.KindBackendBadResponse, quote.KindUnknownBackend:
			log.Warnw("status refresh failed", "quote", r.URL.Query().Get("quoteId"), "err", err)
		default:
			writeError(w, r, err, opDefault, 0)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

// handleGetLink returns the storage link of an uploaded quote
func (h *handlers) handleGetLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	link, err := h.quotes.Link(r.Context(), quote.LinkRequest{
		QuoteID: q.Get("quoteId"),
		Credentials: quote.Credentials{
			Nonce:     q.Get("nonce"),
			Signature: q.Get("signature"),
		},
	})
	if err != nil {
		writeError(w, r, err, opDefault, 0)
		return
	}

	writeJSON(w, http.StatusOK, link)
}

// handleGetHistory proxies a user's upload history from a backend
func (h *handlers) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := optionalInt(q.Get("page"))
	if err != nil {
		writeError(w, r, quote.NewError(quote.KindInvalidInput, "Page value invalid.", err), opDefault, 0)
		return
	}
	pageSize, err := optionalInt(q.Get("pageSize"))
	if err != nil {
		writeError(w, r, quote.NewError(quote.KindInvalidInput, "Page size value invalid.", err), opDefault, 0)
		return
	}

	history, err := h.quotes.History(r.Context(), quote.HistoryRequest{
		Type:        q.Get("type"),
		UserAddress: q.Get("userAddress"),
		Credentials: quote.Credentials{
			Nonce:     q.Get("nonce"),
			Signature: q.Get("signature"),
		},
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		writeError(w, r, err, opDefault, 0)
		return
	}

	writeJSON(w, http.StatusOK, history)
}

// handleGetStaged serves a file staged on local disk
func (h *handlers) handleGetStaged(w http.ResponseWriter, r *http.Request) {
	c, err := cid.Decode(chi.URLParam(r, "cid"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	f, err := h.staged.Open(r.Context(), c.String())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		log.Errorw("open staged file", "cid", c, "err", err)
		http.Error(w, "Internal server error.", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	name := r.URL.Query().Get("filename")
	if name != "" {
		w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(name))
	}
	w.Header().Set("Content-Type", mimes.Resolve("", name))
	http.ServeContent(w, r, "", time.Time{}, f)
}

func optionalInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("expected a non negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	jsonb, err := json.Marshal(v)
	if err != nil {
		log.Errorw("marshal response", "err", err)
		http.Error(w, "Internal server error.", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(jsonb)
}

type operation int

const (
	opDefault operation = iota
	opUpload
)

type errorResponse struct {
	Error  string     `json:"error"`
	Kind   quote.Kind `json:"kind"`
	Staged int        `json:"staged,omitempty"`
}

// writeError reports err with its kind. Unclassified errors are logged and
// hidden behind a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error, op operation, staged int) {
	var qerr *quote.Error
	if !errors.As(err, &qerr) {
		qerr = quote.NewError(quote.KindInternal, "", err)
	}

	code := statusCode(qerr.Kind, op)
	if code >= http.StatusInternalServerError {
		log.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "kind", qerr.Kind, "err", err)
	} else {
		log.Debugw("request rejected", "method", r.Method, "path", r.URL.Path, "kind", qerr.Kind, "err", err)
	}
	rejectionsCounter.WithLabelValues(string(qerr.Kind)).Inc()

	msg := qerr.Message()
	if qerr.Kind == quote.KindInternal {
		msg = quote.ErrInternal.Message()
	}
	writeJSON(w, code, errorResponse{Error: msg, Kind: qerr.Kind, Staged: staged})
}

func statusCode(kind quote.Kind, op operation) int {
	switch kind {
	case quote.KindInvalidSignature:
		return http.StatusUnauthorized
	case quote.KindQuoteNotFound:
		return http.StatusNotFound
	case quote.KindBackendUnreachable, quote.KindBackendHTTPError, quote.KindBackendBadResponse:
		if op == opUpload {
			return http.StatusUnauthorized
		}
		return http.StatusBadRequest
	case quote.KindStagingUnavailable, quote.KindStagingBadResponse, quote.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
