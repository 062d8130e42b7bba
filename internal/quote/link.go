package quote

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BackendKind selects backend specific response handling.
type BackendKind int

const (
	BackendUnknown BackendKind = iota
	BackendFilecoin
	BackendArweave
)

func ParseBackendKind(typ string) BackendKind {
	switch strings.ToLower(typ) {
	case "filecoin":
		return BackendFilecoin
	case "arweave":
		return BackendArweave
	default:
		return BackendUnknown
	}
}

func (k BackendKind) String() string {
	switch k {
	case BackendFilecoin:
		return "filecoin"
	case BackendArweave:
		return "arweave"
	default:
		return "unknown"
	}
}

type filecoinLink struct {
	Type string `json:"type"`
	CID  string `json:"CID"`
}

// ShapeLink converts the getLink response of a backend into the client
// representation for its kind. Filecoin responses collapse to a single
// {"type","CID"} object, everything else is passed through.
func ShapeLink(kind BackendKind, typ string, raw json.RawMessage) (any, error) {
	switch kind {
	case BackendFilecoin:
		var entries []struct {
			CID string `json:"CID"`
		}
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, NewError(KindBackendBadResponse, "", fmt.Errorf("decode filecoin link: %w", err))
		}
		if len(entries) == 0 || entries[0].CID == "" {
			return nil, NewError(KindBackendBadResponse, "", fmt.Errorf("filecoin link without CID"))
		}
		return filecoinLink{Type: typ, CID: entries[0].CID}, nil

	case BackendArweave:
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, NewError(KindBackendBadResponse, "", fmt.Errorf("decode arweave link: %w", err))
		}
		return raw, nil

	default:
		if !json.Valid(raw) {
			return nil, NewError(KindBackendBadResponse, "", fmt.Errorf("link is not json"))
		}
		return raw, nil
	}
}
