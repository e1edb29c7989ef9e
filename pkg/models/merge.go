package models

import (
	"encoding/json"
	"fmt"
)

// ApplyMergePatch applies an RFC 7396 JSON Merge Patch to target and returns
// the result. A null member removes the key; a non-object patch replaces the
// target wholesale; object members recurse.
func ApplyMergePatch(target, patch interface{}) interface{} {
	po, ok := patch.(map[string]interface{})
	if !ok {
		return patch
	}
	to, ok := target.(map[string]interface{})
	if !ok {
		to = map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(to)+len(po))
	for k, v := range to {
		out[k] = v
	}
	for k, v := range po {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = ApplyMergePatch(out[k], v)
	}
	return out
}

// MergePatchObject applies a raw merge patch to an object-valued target and
// returns the patched object. The target may be nil.
func MergePatchObject(target map[string]interface{}, patch json.RawMessage) (map[string]interface{}, error) {
	var p interface{}
	if err := json.Unmarshal(patch, &p); err != nil {
		return nil, fmt.Errorf("merge patch: decode: %w", err)
	}
	res := ApplyMergePatch(target, p)
	obj, ok := res.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("merge patch: result is not an object")
	}
	return obj, nil
}
