package openapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

var sensitiveKeys = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"set-cookie":          {},
	"x-api-key":           {},
	"proxy-authorization": {},
	"access_token":        {},
	"refresh_token":       {},
}

func isSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// Sanitize removes credential-bearing keys at any depth of a JSON document.
// Numbers are preserved exactly.
func Sanitize(doc json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return doc, nil
	}
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode directive: %w", err)
	}
	out, err := json.Marshal(strip(v))
	if err != nil {
		return nil, fmt.Errorf("encode directive: %w", err)
	}
	return out, nil
}

func strip(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if isSensitive(k) {
				delete(t, k)
				continue
			}
			t[k] = strip(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = strip(child)
		}
		return t
	default:
		return v
	}
}
