// Package staging places client files on a content addressed staging
// service before they are handed to a storage backend.
package staging

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/oceanprotocol/uploader-backend/internal/quote"
)

var log = logging.Logger("staging")

// Record is one file confirmed by the staging service.
type Record struct {
	Name string
	CID  cid.Cid
	Size int64
}

// Adder pushes a batch of files to a staging service. Records the service
// returns in an unusable shape are dropped by the adder.
type Adder interface {
	Add(ctx context.Context, files []quote.Upload) ([]Record, error)
}

// URLFunc builds the public URL of a staged file.
type URLFunc func(c cid.Cid, name string) string

type fileRepo interface {
	CreateFiles(ctx context.Context, files []quote.File) error
}

type Uploader struct {
	adder     Adder
	repo      fileRepo
	publicURL URLFunc
}

func NewUploader(adder Adder, repo fileRepo, publicURL URLFunc) *Uploader {
	return &Uploader{
		adder:     adder,
		repo:      repo,
		publicURL: publicURL,
	}
}

// Stage adds files to the staging service and records them against q.
// Nothing is persisted unless the service confirmed at least one file.
func (u *Uploader) Stage(ctx context.Context, q *quote.Quote, files []quote.Upload) ([]quote.FileRef, error) {
	records, err := u.adder.Add(ctx, files)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, quote.NewError(quote.KindStagingBadResponse, "", fmt.Errorf("no valid records for %d files", len(files)))
	}

	byName := make(map[string]quote.Upload, len(files))
	for _, f := range files {
		byName[f.Name] = f
	}

	rows := make([]quote.File, 0, len(records))
	refs := make([]quote.FileRef, 0, len(records))
	for _, rec := range records {
		var contentType string
		length := rec.Size
		if f, ok := byName[rec.Name]; ok {
			contentType = f.ContentType
			if f.Size > 0 {
				length = f.Size
			}
		}

		rows = append(rows, quote.File{
			QuoteID:     q.ID,
			Title:       rec.Name,
			CID:         rec.CID.String(),
			PublicURL:   u.publicURL(rec.CID, rec.Name),
			Length:      length,
			ContentType: contentType,
		})
		refs = append(refs, quote.FileRef{
			ContentURI:  "ipfs://" + rec.CID.String(),
			ContentType: contentType,
		})
	}

	if err := u.repo.CreateFiles(ctx, rows); err != nil {
		return nil, fmt.Errorf("repo.CreateFiles: %w", err)
	}

	log.Infow("files staged", "quote", q.QuoteID, "files", len(rows), "skipped", len(files)-len(rows))
	return refs, nil
}

// GatewayURL serves staged files through an IPFS HTTP gateway.
func GatewayURL(gateway string) URLFunc {
	return func(c cid.Cid, name string) string {
		u, err := url.JoinPath(gateway, "ipfs", c.String())
		if err != nil {
			return ""
		}
		if name == "" {
			return u
		}
		return u + "?filename=" + url.QueryEscape(name)
	}
}

// PrefixURL serves staged files from base/{cid}.
func PrefixURL(base string) URLFunc {
	return func(c cid.Cid, _ string) string {
		u, err := url.JoinPath(base, c.String())
		if err != nil {
			return ""
		}
		return u
	}
}
