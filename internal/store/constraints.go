// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package store

import (
	"bytes"
	"encoding/json"

	"github.com/chronolog/chronolog/internal/event"
)

// Constraint is a post-filter predicate applied to scanned events.
// Adapters may push supported constraints down to the backend but must
// fall back to in-memory filtering for unknown ones; the observable
// semantics are identical either way.
type Constraint interface {
	MetBy(e event.StoredEvent) bool
}

// SequenceNumberAfterConstraint keeps events committed after a given
// sequence number. This is the canonical resume constraint.
type SequenceNumberAfterConstraint struct {
	After int64
}

// SequenceNumberAfter returns the constraint sequence_number > n.
func SequenceNumberAfter(n int64) Constraint {
	return SequenceNumberAfterConstraint{After: n}
}

func (c SequenceNumberAfterConstraint) MetBy(e event.StoredEvent) bool {
	return e.SequenceNumber > c.After
}

// PayloadPathEqualsConstraint keeps events whose payload holds the given
// scalar at a JSON path.
type PayloadPathEqualsConstraint struct {
	Path  []string
	Value any
}

// PayloadPathEquals returns the constraint that the payload field at path
// equals value. Value must be a JSON scalar (string, number or bool).
func PayloadPathEquals(path []string, value any) Constraint {
	return PayloadPathEqualsConstraint{Path: path, Value: value}
}

func (c PayloadPathEqualsConstraint) MetBy(e event.StoredEvent) bool {
	got, ok := payloadValueAt(e.Payload, c.Path)
	if !ok {
		return false
	}
	return scalarEqual(got, c.Value)
}

// PayloadPathContainsConstraint keeps events whose payload value at a
// JSON path contains the given JSON document, in the JSONB containment
// sense.
type PayloadPathContainsConstraint struct {
	Path  []string
	Value any
}

// PayloadPathContains returns the constraint that the payload value at
// path contains value.
func PayloadPathContains(path []string, value any) Constraint {
	return PayloadPathContainsConstraint{Path: path, Value: value}
}

func (c PayloadPathContainsConstraint) MetBy(e event.StoredEvent) bool {
	got, ok := payloadValueAt(e.Payload, c.Path)
	if !ok {
		return false
	}
	return jsonContains(got, normaliseJSON(c.Value))
}

// payloadValueAt decodes the payload and walks the path through nested
// objects. Returns false when the path is absent.
func payloadValueAt(payload json.RawMessage, path []string) (any, bool) {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	var doc any
	if err := decoder.Decode(&doc); err != nil {
		return nil, false
	}
	current := doc
	for _, key := range path {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func scalarEqual(got, want any) bool {
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && g == w
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	default:
		gn, gok := numericValue(got)
		wn, wok := numericValue(want)
		return gok && wok && gn == wn
	}
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// normaliseJSON round-trips a Go value through encoding/json so that
// containment compares decoded shapes rather than Go types.
func normaliseJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var doc any
	if err := decoder.Decode(&doc); err != nil {
		return v
	}
	return doc
}

// jsonContains mirrors JSONB containment: objects contain a subset of
// keys with contained values, arrays contain every element of the
// candidate, scalars must match.
func jsonContains(doc, candidate any) bool {
	switch c := candidate.(type) {
	case map[string]any:
		obj, ok := doc.(map[string]any)
		if !ok {
			return false
		}
		for key, value := range c {
			nested, ok := obj[key]
			if !ok || !jsonContains(nested, value) {
				return false
			}
		}
		return true
	case []any:
		arr, ok := doc.([]any)
		if !ok {
			return false
		}
		for _, value := range c {
			found := false
			for _, element := range arr {
				if jsonContains(element, value) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return scalarEqual(doc, candidate)
	}
}
