package models

import "testing"

func TestResolveResourceTypeHints(t *testing.T) {
	if got := ResolveResourceType("https://example.org/schemas/issue.json", "", nil); got != TypeIssue {
		t.Fatalf("schema hint: got %s", got)
	}
	if got := ResolveResourceType("", "comment/abc", nil); got != TypeComment {
		t.Fatalf("subject hint: got %s", got)
	}
	// Schema hint wins over subject.
	if got := ResolveResourceType("task-schema", "issue/1", nil); got != TypeTask {
		t.Fatalf("precedence: got %s", got)
	}
}

func TestResolveResourceTypeSniffing(t *testing.T) {
	cases := []struct {
		data map[string]interface{}
		want string
	}{
		{map[string]interface{}{"title": "broken door"}, TypeIssue},
		{map[string]interface{}{"content": "me too", "parent_id": "i1"}, TypeComment},
		// A title wins even next to task-ish keys.
		{map[string]interface{}{"title": "call plumber", "cta": "call"}, TypeIssue},
		{map[string]interface{}{"cta": "call"}, TypeTask},
		{map[string]interface{}{"moments": []interface{}{"2026-01-01"}}, TypePlanning},
		{map[string]interface{}{"url": "https://x/y.pdf", "size": 12.0}, TypeDocument},
		{map[string]interface{}{"color": "red"}, TypeUnknown},
		{nil, TypeUnknown},
	}
	for _, c := range cases {
		if got := ResolveResourceType("", "", c.data); got != c.want {
			t.Fatalf("sniff %v: got %s want %s", c.data, got, c.want)
		}
	}
}

func TestParentIDAndInvolved(t *testing.T) {
	d := map[string]interface{}{
		"parent_id": "i1",
		"involved":  []interface{}{"a@x.nl", "b@x.nl", 3},
	}
	if got := ParentID(d); got != "i1" {
		t.Fatalf("parent: got %s", got)
	}
	if got := ParentID(map[string]interface{}{"quote_comment": "c9"}); got != "c9" {
		t.Fatalf("quote parent: got %s", got)
	}
	inv := InvolvedParties(d)
	if len(inv) != 2 || inv[0] != "a@x.nl" || inv[1] != "b@x.nl" {
		t.Fatalf("involved: got %v", inv)
	}
	if InvolvedParties(map[string]interface{}{}) != nil {
		t.Fatalf("expected nil for missing involved")
	}
}

func TestCommitDecode(t *testing.T) {
	ev := CloudEvent{
		ID: "e1", Source: "test", Type: TypeJSONCommitVNG,
		Data: []byte(`{"resource_id":"i1","resource_data":{"title":"x"}}`),
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !ev.IsCommit() {
		t.Fatalf("expected commit type")
	}
	c, err := ev.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("commit validate: %v", err)
	}
	if c.ResourceID != "i1" {
		t.Fatalf("resource_id: got %s", c.ResourceID)
	}
	bad := JSONCommit{ResourceID: "i1"}
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected error for empty commit")
	}
	del := JSONCommit{ResourceID: "i1", Deleted: true}
	if err := del.Validate(); err != nil {
		t.Fatalf("tombstone should validate: %v", err)
	}
}
