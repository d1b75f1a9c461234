// Package normalizer turns raw survey submissions into canonical sample records.
package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNotObject is returned when a submission payload is not a JSON object.
var ErrNotObject = errors.New("submission is not a JSON object")

// Submission is one raw survey response: string keys mapped to arbitrary JSON
// values. Keys keep their source order so that namespaced lookups are
// deterministic. Numbers are kept as json.Number.
type Submission struct {
	keys   []string
	values map[string]any
}

// NewSubmission returns an empty submission.
func NewSubmission() Submission {
	return Submission{values: make(map[string]any)}
}

// Set stores value under key. A new key is appended to the key order; an
// existing key keeps its position.
func (s *Submission) Set(key string, value any) {
	if s.values == nil {
		s.values = make(map[string]any)
	}
	if _, ok := s.values[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.values[key] = value
}

// Get returns the value stored under key.
func (s Submission) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Keys returns the keys in source order.
func (s Submission) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

func (s Submission) Len() int { return len(s.keys) }

// First returns the first non-empty value among the candidate keys.
//
// Each candidate is tried directly first. A plain candidate (no "/" and no
// leading "_") then also matches any key ending in "/<candidate>", which is
// how grouped survey fields are namespaced ("group_site/sample_id").
func (s Submission) First(keys ...string) (any, bool) {
	for _, key := range keys {
		if v, ok := s.values[key]; ok && !IsEmpty(v) {
			return v, true
		}
		if strings.Contains(key, "/") || strings.HasPrefix(key, "_") {
			continue
		}
		suffix := "/" + key
		for _, k := range s.keys {
			if strings.HasSuffix(k, suffix) && !IsEmpty(s.values[k]) {
				return s.values[k], true
			}
		}
	}
	return nil, false
}

// FirstOr is First with a caller-supplied default.
func (s Submission) FirstOr(def any, keys ...string) any {
	if v, ok := s.First(keys...); ok {
		return v
	}
	return def
}

// IsEmpty reports whether v counts as absent: nil, a blank string, or an
// empty list or object.
func IsEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case Submission:
		return t.Len() == 0
	}
	return false
}

// UnmarshalJSON decodes a JSON object, preserving key order.
// Duplicate keys keep their first position and last value.
func (s *Submission) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode submission: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return ErrNotObject
	}

	out := NewSubmission()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode submission key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("decode submission: unexpected token %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("decode submission field %q: %w", key, err)
		}
		out.Set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode submission: %w", err)
	}

	*s = out
	return nil
}

// MarshalJSON encodes the submission as a JSON object in key order.
func (s Submission) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range s.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(s.values[key])
		if err != nil {
			return nil, fmt.Errorf("encode submission field %q: %w", key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
