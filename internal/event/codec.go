// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package event

import (
	"encoding/json"

	"github.com/samber/oops"
)

// Codec converts user payloads to and from their stored JSON form.
// Implementations must round-trip: Deserialise(Serialise(v)) == v.
type Codec interface {
	Serialise(v any) (json.RawMessage, error)
	Deserialise(raw json.RawMessage, into any) error
}

// JSONCodec is the default Codec backed by encoding/json.
type JSONCodec struct{}

func (JSONCodec) Serialise(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, oops.Code("PAYLOAD_SERIALISE_FAILED").Wrap(err)
	}
	return data, nil
}

func (JSONCodec) Deserialise(raw json.RawMessage, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return oops.Code("PAYLOAD_DESERIALISE_FAILED").Wrap(err)
	}
	return nil
}
