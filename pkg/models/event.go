package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Commit event types recognized by the processor. Both spellings appear in
// the wild; they carry the same JSON commit payload.
const (
	TypeJSONCommit    = "json.commit"
	TypeJSONCommitVNG = "nl.vng.zaken.json-commit.v1"
)

// CloudEvent is the CloudEvents 1.0 envelope every log entry is wrapped in.
type CloudEvent struct {
	ID              string          `json:"id"`
	Source          string          `json:"source"`
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Subject         string          `json:"subject,omitempty"`
	Time            string          `json:"time,omitempty"`
	DataContentType string          `json:"datacontenttype,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// Validate checks the envelope carries the attributes required by the
// CloudEvents spec.
func (e *CloudEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("cloudevent: missing id")
	}
	if strings.TrimSpace(e.Source) == "" {
		return fmt.Errorf("cloudevent: missing source")
	}
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("cloudevent: missing type")
	}
	if e.SpecVersion == "" {
		e.SpecVersion = "1.0"
	}
	return nil
}

// IsCommit reports whether the event type carries a JSON commit payload.
func (e *CloudEvent) IsCommit() bool {
	return e.Type == TypeJSONCommit || e.Type == TypeJSONCommitVNG
}

// Commit decodes the event data as a JSON commit.
func (e *CloudEvent) Commit() (*JSONCommit, error) {
	if len(e.Data) == 0 {
		return nil, fmt.Errorf("cloudevent %s: empty data", e.ID)
	}
	var c JSONCommit
	if err := json.Unmarshal(e.Data, &c); err != nil {
		return nil, fmt.Errorf("cloudevent %s: decode commit: %w", e.ID, err)
	}
	return &c, nil
}

// StoredEvent is an event as persisted in the log, paired with its
// assigned sequence number.
type StoredEvent struct {
	Seq   uint64     `json:"seq"`
	Event CloudEvent `json:"event"`
}
