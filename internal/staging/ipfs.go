package staging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/oceanprotocol/uploader-backend/internal/quote"
)

const DefaultTimeout = 60 * time.Second

// IPFS adds files through the add endpoint of an IPFS HTTP API, e.g.
// http://127.0.0.1:5001/api/v0/add.
type IPFS struct {
	addURL     string
	httpClient *http.Client
	timeout    time.Duration
}

func NewIPFS(addURL string, httpClient *http.Client, timeout time.Duration) *IPFS {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &IPFS{
		addURL:     addURL,
		httpClient: httpClient,
		timeout:    timeout,
	}
}

// Add streams files as one multipart request. The node answers with one
// JSON record per line.
func (c *IPFS) Add(ctx context.Context, files []quote.Upload) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeParts(mw, files))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.addURL, pr)
	if err != nil {
		return nil, quote.NewError(quote.KindStagingUnavailable, "", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, quote.NewError(quote.KindStagingUnavailable, "", fmt.Errorf("ipfs add: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, quote.NewError(quote.KindStagingUnavailable, "", fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, body))
	}

	return parseRecords(resp.Body)
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeParts(mw *multipart.Writer, files []quote.Upload) error {
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(f.Name)))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		h.Set("Content-Type", ct)

		part, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := io.Copy(part, f.Body); err != nil {
			return fmt.Errorf("copy %s: %w", f.Name, err)
		}
	}
	return mw.Close()
}

type addRecord struct {
	Name string          `json:"Name"`
	Hash string          `json:"Hash"`
	Size json.RawMessage `json:"Size"`
}

func parseRecords(r io.Reader) ([]Record, error) {
	var records []Record

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			log.Warnw("skipping staging record", "record", string(line), "err", err)
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, quote.NewError(quote.KindStagingBadResponse, "", fmt.Errorf("read add response: %w", err))
	}
	return records, nil
}

func parseRecord(line []byte) (Record, error) {
	var raw addRecord
	if err := json.Unmarshal(line, &raw); err != nil {
		return Record{}, err
	}
	if raw.Hash == "" {
		return Record{}, errors.New("record without hash")
	}
	c, err := cid.Decode(raw.Hash)
	if err != nil {
		return Record{}, fmt.Errorf("cid.Decode: %w", err)
	}

	var size int64
	if len(raw.Size) > 0 {
		s := strings.Trim(string(raw.Size), `"`)
		if size, err = strconv.ParseInt(s, 10, 64); err != nil {
			return Record{}, fmt.Errorf("size %s: %w", raw.Size, err)
		}
	}

	return Record{Name: raw.Name, CID: c, Size: size}, nil
}
