// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package broker

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/chronolog/chronolog/internal/event"
)

// SourceMapping declares which event sources a subscriber group wants to
// consume.
type SourceMapping struct {
	Group   string
	Sources []event.Identifier
}

// SourceMappingStore holds the declared source mapping per group.
type SourceMappingStore interface {
	// Add declares the sources for a group, replacing any previous
	// declaration.
	Add(ctx context.Context, group string, sources []event.Identifier) error

	// Remove drops the group's declaration. Removing an absent group is
	// a no-op.
	Remove(ctx context.Context, group string) error

	// List returns all declarations, ordered by group.
	List(ctx context.Context) ([]SourceMapping, error)
}

// MemorySourceMappingStore is an in-memory SourceMappingStore.
type MemorySourceMappingStore struct {
	mu       sync.Mutex
	mappings map[string][]event.Identifier
}

// NewMemorySourceMappingStore creates an in-memory source mapping store.
func NewMemorySourceMappingStore() *MemorySourceMappingStore {
	return &MemorySourceMappingStore{mappings: make(map[string][]event.Identifier)}
}

func (s *MemorySourceMappingStore) Add(ctx context.Context, group string, sources []event.Identifier) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[group] = slices.Clone(sources)
	return nil
}

func (s *MemorySourceMappingStore) Remove(ctx context.Context, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.mappings, group)
	return nil
}

func (s *MemorySourceMappingStore) List(ctx context.Context) ([]SourceMapping, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mappings := make([]SourceMapping, 0, len(s.mappings))
	for group, sources := range s.mappings {
		mappings = append(mappings, SourceMapping{Group: group, Sources: slices.Clone(sources)})
	}
	slices.SortFunc(mappings, func(a, b SourceMapping) int {
		return strings.Compare(a.Group, b.Group)
	})
	return mappings, nil
}
