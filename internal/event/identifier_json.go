// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package event

import (
	"encoding/json"

	"github.com/samber/oops"
)

// identifierJSON is the wire shape used when identifiers are persisted,
// e.g. inside source mapping and subscription rows.
type identifierJSON struct {
	Kind     string `json:"kind"`
	Category string `json:"category,omitempty"`
	Stream   string `json:"stream,omitempty"`
}

const (
	kindLog      = "log"
	kindCategory = "category"
	kindStream   = "stream"
)

// MarshalIdentifier serialises an identifier to its JSON wire shape.
func MarshalIdentifier(id Identifier) ([]byte, error) {
	var ij identifierJSON
	switch v := id.(type) {
	case LogIdentifier:
		ij = identifierJSON{Kind: kindLog}
	case CategoryIdentifier:
		ij = identifierJSON{Kind: kindCategory, Category: v.Category}
	case StreamIdentifier:
		ij = identifierJSON{Kind: kindStream, Category: v.Category, Stream: v.Stream}
	default:
		return nil, oops.Code("IDENTIFIER_UNSUPPORTED").
			With("identifier", id.String()).
			Errorf("unsupported identifier type %T", id)
	}
	data, err := json.Marshal(ij)
	if err != nil {
		return nil, oops.Code("IDENTIFIER_MARSHAL_FAILED").Wrap(err)
	}
	return data, nil
}

// UnmarshalIdentifier parses an identifier from its JSON wire shape.
func UnmarshalIdentifier(data []byte) (Identifier, error) {
	var ij identifierJSON
	if err := json.Unmarshal(data, &ij); err != nil {
		return nil, oops.Code("IDENTIFIER_UNMARSHAL_FAILED").Wrap(err)
	}
	switch ij.Kind {
	case kindLog:
		return Log(), nil
	case kindCategory:
		return Category(ij.Category), nil
	case kindStream:
		return Stream(ij.Category, ij.Stream), nil
	default:
		return nil, oops.Code("IDENTIFIER_UNMARSHAL_FAILED").
			With("kind", ij.Kind).
			Errorf("unknown identifier kind %q", ij.Kind)
	}
}

// MarshalIdentifiers serialises a list of identifiers as a JSON array.
func MarshalIdentifiers(ids []Identifier) ([]byte, error) {
	raw := make([]json.RawMessage, len(ids))
	for i, id := range ids {
		data, err := MarshalIdentifier(id)
		if err != nil {
			return nil, err
		}
		raw[i] = data
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, oops.Code("IDENTIFIER_MARSHAL_FAILED").Wrap(err)
	}
	return data, nil
}

// UnmarshalIdentifiers parses a JSON array of identifiers.
func UnmarshalIdentifiers(data []byte) ([]Identifier, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, oops.Code("IDENTIFIER_UNMARSHAL_FAILED").Wrap(err)
	}
	ids := make([]Identifier, len(raw))
	for i, r := range raw {
		id, err := UnmarshalIdentifier(r)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}
