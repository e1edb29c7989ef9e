package models

import "strings"

// Resource types recognized by the engine. Unknown is the fallback when a
// document matches no known shape.
const (
	TypeIssue    = "issue"
	TypeComment  = "comment"
	TypePlanning = "planning"
	TypeTask     = "task"
	TypeDocument = "document"
	TypeUnknown  = "unknown"
)

// ResolveResourceType determines the type of a committed resource. Schema
// hints win, then the event subject, then the document shape is sniffed.
func ResolveResourceType(schema, subject string, data map[string]interface{}) string {
	if t := typeFromHint(schema); t != "" {
		return t
	}
	if t := typeFromHint(subject); t != "" {
		return t
	}
	return sniffType(data)
}

func typeFromHint(hint string) string {
	h := strings.ToLower(hint)
	for _, t := range []string{TypeIssue, TypeComment, TypePlanning, TypeTask, TypeDocument} {
		if strings.Contains(h, t) {
			return t
		}
	}
	return ""
}

// sniffType classifies a document by its distinguishing fields.
func sniffType(data map[string]interface{}) string {
	if data == nil {
		return TypeUnknown
	}
	has := func(k string) bool {
		_, ok := data[k]
		return ok
	}
	switch {
	case has("title"):
		return TypeIssue
	case has("content") || has("parent_id") || has("quote_comment"):
		return TypeComment
	case has("cta"):
		return TypeTask
	case has("moments"):
		return TypePlanning
	case has("url") || has("size"):
		return TypeDocument
	default:
		return TypeUnknown
	}
}

// ParentID returns the identifier of the resource this document replies to,
// if any. Comments reference a parent via parent_id or quote_comment.
func ParentID(data map[string]interface{}) string {
	for _, k := range []string{"parent_id", "quote_comment"} {
		if v, ok := data[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// InvolvedParties extracts the involved list from a document. Entries that
// are not strings are skipped.
func InvolvedParties(data map[string]interface{}) []string {
	raw, ok := data["involved"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
