package staging

import (
	"bytes"
	"context"
	"io"

	"github.com/oceanprotocol/uploader-backend/internal/quote"
)

type blobStore interface {
	Save(ctx context.Context, key string, src io.Reader) error
}

// Local stages files on the broker's own disk, keyed by CIDv1. It is meant
// for development setups where backends fetch staged files from the broker.
type Local struct {
	store   blobStore
	maxSize int64
}

func NewLocal(store blobStore, maxSize int64) *Local {
	return &Local{
		store:   store,
		maxSize: maxSize,
	}
}

func (l *Local) Add(ctx context.Context, files []quote.Upload) ([]Record, error) {
	records := make([]Record, 0, len(files))
	for _, f := range files {
		data, err := readUpload(f, l.maxSize)
		if err != nil {
			return nil, quote.NewError(quote.KindStagingUnavailable, "", err)
		}
		c, err := ContentID(data)
		if err != nil {
			return nil, quote.NewError(quote.KindStagingUnavailable, "", err)
		}
		if err := l.store.Save(ctx, c.String(), bytes.NewReader(data)); err != nil {
			return nil, quote.NewError(quote.KindStagingUnavailable, "", err)
		}
		records = append(records, Record{Name: f.Name, CID: c, Size: int64(len(data))})
	}
	return records, nil
}
