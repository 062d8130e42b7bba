package staging

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/oceanprotocol/uploader-backend/internal/quote"
	"github.com/oceanprotocol/uploader-backend/internal/storage/blob"
)

// S3 stages files in a bucket, keyed by their CIDv1 so the objects stay
// content addressed.
type S3 struct {
	bucket  blob.S3
	timeout time.Duration
	maxSize int64
}

// NewS3 wraps a bucket writer. maxSize bounds the size of a single file, zero
// means unbounded.
func NewS3(bucket blob.S3, timeout time.Duration, maxSize int64) *S3 {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &S3{
		bucket:  bucket,
		timeout: timeout,
		maxSize: maxSize,
	}
}

// Add writes the files one at a time so only one body is held in memory.
// Objects written before a failure stay in the bucket; they are content
// addressed, so a retry overwrites them with the same bytes.
func (s *S3) Add(ctx context.Context, files []quote.Upload) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	records := make([]Record, 0, len(files))
	for _, f := range files {
		data, err := readUpload(f, s.maxSize)
		if err != nil {
			return nil, quote.NewError(quote.KindStagingUnavailable, "", err)
		}
		c, err := ContentID(data)
		if err != nil {
			return nil, quote.NewError(quote.KindStagingUnavailable, "", err)
		}
		err = s.bucket.Write(ctx, c.String(), blob.Object{
			Data:        data,
			ContentType: f.ContentType,
			Metadata:    map[string]string{"filename": f.Name},
		})
		if err != nil {
			return nil, quote.NewError(quote.KindStagingUnavailable, "", err)
		}
		records = append(records, Record{Name: f.Name, CID: c, Size: int64(len(data))})
	}
	return records, nil
}

func readUpload(f quote.Upload, maxSize int64) ([]byte, error) {
	r := f.Body
	if maxSize > 0 {
		r = io.LimitReader(r, maxSize+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	if maxSize > 0 && int64(len(data)) > maxSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", f.Name, maxSize)
	}
	return data, nil
}

// ContentID returns the CIDv1 (raw codec, sha2-256) of data.
func ContentID(data []byte) (cid.Cid, error) {
	h, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("multihash.Sum: %w", err)
	}
	return cid.NewCidV1(cid.Raw, h), nil
}
