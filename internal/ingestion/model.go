package ingestion

import (
	"encoding/json"
	"strings"
	"time"
)

// State is the lifecycle state of one ingestion lineage.
type State string

const (
	StatePending    State = "PENDING"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// ParseState normalizes a state name; ok is false for anything outside the four known states.
func ParseState(raw string) (State, bool) {
	switch State(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatePending:
		return StatePending, true
	case StateProcessing:
		return StateProcessing, true
	case StateCompleted:
		return StateCompleted, true
	case StateFailed:
		return StateFailed, true
	default:
		return "", false
	}
}

// Valid reports whether s is one of the four known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateProcessing, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// DocumentRef is the read-only view of a stored document needed to dispatch work.
type DocumentRef struct {
	ID       int64
	FileName string
	FilePath string
	MimeType string
	Size     int64
}

// IngestionStatus is one persisted ingestion lineage for a document.
type IngestionStatus struct {
	ID         int64     `json:"id"`
	DocumentID int64     `json:"documentId"`
	State      State     `json:"status"`
	Error      *string   `json:"error,omitempty"`
	Metadata   Metadata  `json:"metadata"`
	StartedAt  time.Time `json:"startedAt"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Update is an externally observed state report, from a worker reply or a webhook.
type Update struct {
	State    State
	Error    *string
	Metadata map[string]any
}

const (
	keyRetryCount  = "retryCount"
	keyStartTime   = "startTime"
	keyLastChecked = "lastChecked"
	keyLastRetry   = "lastRetry"
	keyTransport   = "transport"
	keyFileName    = "fileName"
	keyFilePath    = "filePath"
	keyMimeType    = "mimeType"
	keySize        = "size"
)

var reservedMetadataKeys = map[string]struct{}{
	keyRetryCount:  {},
	keyStartTime:   {},
	keyLastChecked: {},
	keyLastRetry:   {},
	keyTransport:   {},
	keyFileName:    {},
	keyFilePath:    {},
	keyMimeType:    {},
	keySize:        {},
}

// Metadata holds the bookkeeping fields this service owns plus whatever the worker reports.
// It serializes as a single flat JSON object.
type Metadata struct {
	RetryCount  int
	StartTime   *time.Time
	LastChecked *time.Time
	LastRetry   *time.Time
	Transport   string
	FileName    string
	FilePath    string
	MimeType    string
	Size        int64
	Extra       map[string]any
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+9)
	for k, v := range m.Extra {
		if _, reserved := reservedMetadataKeys[k]; reserved {
			continue
		}
		out[k] = v
	}
	out[keyRetryCount] = m.RetryCount
	if m.StartTime != nil {
		out[keyStartTime] = m.StartTime.UTC()
	}
	if m.LastChecked != nil {
		out[keyLastChecked] = m.LastChecked.UTC()
	}
	if m.LastRetry != nil {
		out[keyLastRetry] = m.LastRetry.UTC()
	}
	if m.Transport != "" {
		out[keyTransport] = m.Transport
	}
	if m.FileName != "" {
		out[keyFileName] = m.FileName
	}
	if m.FilePath != "" {
		out[keyFilePath] = m.FilePath
	}
	if m.MimeType != "" {
		out[keyMimeType] = m.MimeType
	}
	if m.Size != 0 {
		out[keySize] = m.Size
	}
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	for k, v := range raw {
		var err error
		switch k {
		case keyRetryCount:
			err = json.Unmarshal(v, &m.RetryCount)
		case keyStartTime:
			m.StartTime, err = decodeTime(v)
		case keyLastChecked:
			m.LastChecked, err = decodeTime(v)
		case keyLastRetry:
			m.LastRetry, err = decodeTime(v)
		case keyTransport:
			err = json.Unmarshal(v, &m.Transport)
		case keyFileName:
			err = json.Unmarshal(v, &m.FileName)
		case keyFilePath:
			err = json.Unmarshal(v, &m.FilePath)
		case keyMimeType:
			err = json.Unmarshal(v, &m.MimeType)
		case keySize:
			err = json.Unmarshal(v, &m.Size)
		default:
			var val any
			err = json.Unmarshal(v, &val)
			if err == nil {
				if m.Extra == nil {
					m.Extra = make(map[string]any)
				}
				m.Extra[k] = val
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func decodeTime(raw json.RawMessage) (*time.Time, error) {
	if string(raw) == "null" {
		return nil, nil
	}
	var t time.Time
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (m Metadata) clone() Metadata {
	out := m
	out.StartTime = copyTime(m.StartTime)
	out.LastChecked = copyTime(m.LastChecked)
	out.LastRetry = copyTime(m.LastRetry)
	if m.Extra != nil {
		out.Extra = make(map[string]any, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = cloneValue(v)
		}
	}
	return out
}

// cloneValue copies the nested maps and slices JSON decoding produces.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = cloneValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = cloneValue(inner)
		}
		return out
	default:
		return v
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
