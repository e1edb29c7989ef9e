package models

import (
	"encoding/json"
	"reflect"
	"testing"
)

func patchJSON(t *testing.T, target, patch, want string) {
	t.Helper()
	var tv, pv, wv interface{}
	if err := json.Unmarshal([]byte(target), &tv); err != nil {
		t.Fatalf("bad target: %v", err)
	}
	if err := json.Unmarshal([]byte(patch), &pv); err != nil {
		t.Fatalf("bad patch: %v", err)
	}
	if err := json.Unmarshal([]byte(want), &wv); err != nil {
		t.Fatalf("bad want: %v", err)
	}
	got := ApplyMergePatch(tv, pv)
	if !reflect.DeepEqual(got, wv) {
		t.Fatalf("patch %s onto %s: got %v want %v", patch, target, got, wv)
	}
}

func TestMergePatchSetAndRemove(t *testing.T) {
	patchJSON(t, `{"a":"b"}`, `{"a":"c"}`, `{"a":"c"}`)
	patchJSON(t, `{"a":"b"}`, `{"b":"c"}`, `{"a":"b","b":"c"}`)
	patchJSON(t, `{"a":"b"}`, `{"a":null}`, `{}`)
	patchJSON(t, `{"a":"b","b":"c"}`, `{"a":null}`, `{"b":"c"}`)
}

func TestMergePatchNested(t *testing.T) {
	patchJSON(t, `{"a":{"b":"c"}}`, `{"a":{"b":"d","c":null}}`, `{"a":{"b":"d"}}`)
	patchJSON(t, `{"a":{"b":"c"}}`, `{"a":[1]}`, `{"a":[1]}`)
	patchJSON(t, `{"a":"b"}`, `{"a":{"b":"c"}}`, `{"a":{"b":"c"}}`)
}

func TestMergePatchArrayReplaces(t *testing.T) {
	patchJSON(t, `{"a":["b"]}`, `{"a":"c"}`, `{"a":"c"}`)
	patchJSON(t, `{"a":["b"]}`, `{"a":["c","d"]}`, `{"a":["c","d"]}`)
}

func TestMergePatchNonObjectPatchReplaces(t *testing.T) {
	patchJSON(t, `{"a":"b"}`, `["c"]`, `["c"]`)
	patchJSON(t, `{"a":"foo"}`, `"bar"`, `"bar"`)
}

func TestMergePatchObjectHelper(t *testing.T) {
	got, err := MergePatchObject(map[string]interface{}{"a": "b"}, json.RawMessage(`{"b":1}`))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got["a"] != "b" || got["b"] != float64(1) {
		t.Fatalf("unexpected result: %v", got)
	}
	if _, err := MergePatchObject(nil, json.RawMessage(`"scalar"`)); err == nil {
		t.Fatalf("expected error for non-object result")
	}
}
