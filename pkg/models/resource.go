package models

import "encoding/json"

// ResourceRecord is the materialized state of a resource, produced by
// folding its commit events in log order.
type ResourceRecord struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Schema    string                 `json:"schema,omitempty"`
	Seq       uint64                 `json:"seq"`
	CreatedAt string                 `json:"created_at,omitempty"`
	UpdatedAt string                 `json:"updated_at,omitempty"`
	Deleted   bool                   `json:"deleted,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// Clone returns a deep copy of the record. Data is round-tripped through
// JSON so callers can mutate the copy freely.
func (r *ResourceRecord) Clone() *ResourceRecord {
	cp := *r
	if r.Data != nil {
		b, err := json.Marshal(r.Data)
		if err == nil {
			var d map[string]interface{}
			if json.Unmarshal(b, &d) == nil {
				cp.Data = d
			}
		}
	}
	return &cp
}
