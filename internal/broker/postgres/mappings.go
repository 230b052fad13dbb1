// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package postgres

import (
	"context"

	"github.com/samber/oops"

	"github.com/chronolog/chronolog/internal/broker"
	"github.com/chronolog/chronolog/internal/event"
)

// SourceMappingStore implements broker.SourceMappingStore on a
// source_mappings table keyed by group.
type SourceMappingStore struct {
	pool poolIface
}

// NewSourceMappingStore creates a source mapping store on the given pool.
func NewSourceMappingStore(pool poolIface) *SourceMappingStore {
	return &SourceMappingStore{pool: pool}
}

// Add declares the sources for a group, replacing any previous
// declaration.
func (s *SourceMappingStore) Add(ctx context.Context, group string, sources []event.Identifier) error {
	doc, err := event.MarshalIdentifiers(sources)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO source_mappings (group_name, event_sources)
		VALUES ($1, $2)
		ON CONFLICT (group_name) DO UPDATE SET event_sources = EXCLUDED.event_sources
	`, group, doc)
	if err != nil {
		return oops.Code("MAPPING_ADD_FAILED").With("group", group).Wrap(err)
	}
	return nil
}

// Remove drops the group's declaration. Removing an absent group is a
// no-op.
func (s *SourceMappingStore) Remove(ctx context.Context, group string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM source_mappings WHERE group_name = $1`, group); err != nil {
		return oops.Code("MAPPING_REMOVE_FAILED").With("group", group).Wrap(err)
	}
	return nil
}

// List returns all declarations, ordered by group.
func (s *SourceMappingStore) List(ctx context.Context) ([]broker.SourceMapping, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT group_name, event_sources FROM source_mappings ORDER BY group_name
	`)
	if err != nil {
		return nil, oops.Code("MAPPING_LIST_FAILED").Wrap(err)
	}
	defer rows.Close()

	var mappings []broker.SourceMapping
	for rows.Next() {
		var (
			mapping broker.SourceMapping
			doc     []byte
		)
		if err := rows.Scan(&mapping.Group, &doc); err != nil {
			return nil, oops.Code("MAPPING_LIST_FAILED").Wrap(err)
		}
		mapping.Sources, err = event.UnmarshalIdentifiers(doc)
		if err != nil {
			return nil, oops.Code("MAPPING_LIST_FAILED").With("group", mapping.Group).Wrap(err)
		}
		mappings = append(mappings, mapping)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("MAPPING_LIST_FAILED").Wrap(err)
	}
	return mappings, nil
}
