package quote

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Status is the upload lifecycle state of a quote.
type Status uint8

const (
	StatusCreated Status = iota
	StatusAwaitingUpload
	StatusUploading
	StatusUploadSucceeded
	StatusUploadFailed
)

var statusNames = [...]string{
	StatusCreated:         "created",
	StatusAwaitingUpload:  "awaiting_upload",
	StatusUploading:       "uploading",
	StatusUploadSucceeded: "upload_succeeded",
	StatusUploadFailed:    "upload_failed",
}

// Wire codes, shared with the storage backends.
var statusCodes = [...]int{
	StatusCreated:         0,
	StatusAwaitingUpload:  1,
	StatusUploading:       300,
	StatusUploadSucceeded: 400,
	StatusUploadFailed:    401,
}

// transitions is the complete set of legal edges. Anything not listed here is
// rejected by CanTransition.
var transitions = map[Status][]Status{
	StatusCreated:        {StatusAwaitingUpload},
	StatusAwaitingUpload: {StatusUploading},
	StatusUploading:      {StatusUploadSucceeded, StatusUploadFailed},
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("status(%d)", uint8(s))
	}
	return statusNames[s]
}

func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

// Code returns the numeric wire code of s.
func (s Status) Code() int {
	if !s.Valid() {
		return -1
	}
	return statusCodes[s]
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusUploadSucceeded || s == StatusUploadFailed
}

func (s Status) CanTransition(next Status) bool {
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// PathTo returns the legal steps leading from s to target, excluding s
// itself. ok is false when target cannot be reached from s.
func (s Status) PathTo(target Status) (steps []Status, ok bool) {
	if s == target {
		return nil, true
	}
	for _, next := range transitions[s] {
		if rest, ok := next.PathTo(target); ok {
			return append([]Status{next}, rest...), true
		}
	}
	return nil, false
}

// ParseStatus parses a stored status name.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown quote status %q", name)
}

// StatusFromBackendCode maps a status code reported by a storage backend.
// Backends report a few intermediate payment codes that have no state of
// their own here.
func StatusFromBackendCode(code int) (Status, bool) {
	switch code {
	case 0, 1:
		return StatusAwaitingUpload, true
	case 100, 300:
		return StatusUploading, true
	case 400:
		return StatusUploadSucceeded, true
	case 200, 401:
		return StatusUploadFailed, true
	default:
		return 0, false
	}
}

func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("marshal invalid status %d", uint8(s))
	}
	return json.Marshal(s.Code())
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var code int
	if err := json.Unmarshal(b, &code); err != nil {
		return err
	}
	for i, c := range statusCodes {
		if c == code {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status code %d", code)
}

// Value stores the status by name.
func (s Status) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid status %d", uint8(s))
	}
	return statusNames[s], nil
}

func (s *Status) Scan(src any) error {
	var name string
	switch v := src.(type) {
	case string:
		name = v
	case []byte:
		name = string(v)
	default:
		return fmt.Errorf("scan status: unsupported type %T", src)
	}

	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
