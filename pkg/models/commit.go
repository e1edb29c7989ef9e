package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// JSONCommit is the payload of a commit event. Exactly one of ResourceData
// (full document) or Patch (RFC 7396 merge patch) is expected; Deleted marks
// a tombstone.
type JSONCommit struct {
	Schema       string          `json:"schema,omitempty"`
	ResourceID   string          `json:"resource_id"`
	Actor        string          `json:"actor,omitempty"`
	Timestamp    string          `json:"timestamp,omitempty"`
	ResourceData json.RawMessage `json:"resource_data,omitempty"`
	Patch        json.RawMessage `json:"patch,omitempty"`
	Deleted      bool            `json:"deleted,omitempty"`
}

// Validate checks the minimal shape of a commit.
func (c *JSONCommit) Validate() error {
	if strings.TrimSpace(c.ResourceID) == "" {
		return fmt.Errorf("commit: missing resource_id")
	}
	if !c.Deleted && len(c.ResourceData) == 0 && len(c.Patch) == 0 {
		return fmt.Errorf("commit %s: neither resource_data nor patch present", c.ResourceID)
	}
	return nil
}

// Body returns the commit's document content: the full resource data when
// present, otherwise the patch.
func (c *JSONCommit) Body() json.RawMessage {
	if len(c.ResourceData) > 0 {
		return c.ResourceData
	}
	return c.Patch
}
