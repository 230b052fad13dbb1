// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package store

import (
	"github.com/samber/oops"

	"github.com/chronolog/chronolog/internal/event"
)

// WriteCondition is a predicate over a stream's last event that must hold
// for a Save to proceed. Conditions compose with And and Or.
type WriteCondition interface {
	// AssertMetBy returns nil when the condition holds against the
	// stream tail (nil means the stream is empty), or an error wrapping
	// ErrUnmetWriteCondition otherwise.
	AssertMetBy(last *event.StoredEvent) error

	equal(other WriteCondition) bool
}

type combinator string

const (
	combinatorAnd combinator = "and"
	combinatorOr  combinator = "or"
)

// unconditional is trivially met.
type unconditional struct{}

// Unconditional returns the condition that always holds.
func Unconditional() WriteCondition { return unconditional{} }

func (unconditional) AssertMetBy(*event.StoredEvent) error { return nil }

func (unconditional) equal(other WriteCondition) bool {
	_, ok := other.(unconditional)
	return ok
}

// emptyStream is met iff the stream has no events.
type emptyStream struct{}

// StreamIsEmpty returns the condition that the stream is empty.
func StreamIsEmpty() WriteCondition { return emptyStream{} }

func (emptyStream) AssertMetBy(last *event.StoredEvent) error {
	if last != nil {
		return oops.Code("WRITE_CONDITION_UNMET").
			With("last_position", last.Position).
			Wrapf(ErrUnmetWriteCondition, "stream is not empty")
	}
	return nil
}

func (emptyStream) equal(other WriteCondition) bool {
	_, ok := other.(emptyStream)
	return ok
}

// positionIs is met iff the stream tail sits at the expected position.
type positionIs struct {
	position int64
}

// PositionIs returns the condition that the last event occupies position p.
func PositionIs(p int64) WriteCondition { return positionIs{position: p} }

func (c positionIs) AssertMetBy(last *event.StoredEvent) error {
	if last == nil || last.Position != c.position {
		return oops.Code("WRITE_CONDITION_UNMET").
			With("expected_position", c.position).
			Wrapf(ErrUnmetWriteCondition, "unexpected stream position")
	}
	return nil
}

func (c positionIs) equal(other WriteCondition) bool {
	o, ok := other.(positionIs)
	return ok && o.position == c.position
}

// conditionSet combines member conditions under AND or OR. Absorption is
// performed at construction: combining two sets with the same combinator
// flattens into one set, and duplicate members collapse.
type conditionSet struct {
	combinator combinator
	members    []WriteCondition
}

func (c conditionSet) AssertMetBy(last *event.StoredEvent) error {
	switch c.combinator {
	case combinatorAnd:
		for _, member := range c.members {
			if err := member.AssertMetBy(last); err != nil {
				return err
			}
		}
		return nil
	case combinatorOr:
		// When every member fails, the first member's failure is the
		// one surfaced.
		var first error
		for _, member := range c.members {
			err := member.AssertMetBy(last)
			if err == nil {
				return nil
			}
			if first == nil {
				first = err
			}
		}
		return first
	default:
		panic("store: unknown write condition combinator " + string(c.combinator))
	}
}

func (c conditionSet) equal(other WriteCondition) bool {
	o, ok := other.(conditionSet)
	if !ok || o.combinator != c.combinator || len(o.members) != len(c.members) {
		return false
	}
	for i, member := range c.members {
		if !member.equal(o.members[i]) {
			return false
		}
	}
	return true
}

// And combines conditions conjunctively.
func And(conditions ...WriteCondition) WriteCondition {
	return combine(combinatorAnd, conditions)
}

// Or combines conditions disjunctively. When all members fail, the first
// member's failure is surfaced.
func Or(conditions ...WriteCondition) WriteCondition {
	return combine(combinatorOr, conditions)
}

func combine(comb combinator, conditions []WriteCondition) WriteCondition {
	var members []WriteCondition
	for _, condition := range conditions {
		if set, ok := condition.(conditionSet); ok && set.combinator == comb {
			for _, member := range set.members {
				members = appendUnique(members, member)
			}
			continue
		}
		members = appendUnique(members, condition)
	}
	if len(members) == 1 {
		return members[0]
	}
	return conditionSet{combinator: comb, members: members}
}

func appendUnique(members []WriteCondition, candidate WriteCondition) []WriteCondition {
	for _, existing := range members {
		if existing.equal(candidate) {
			return members
		}
	}
	return append(members, candidate)
}
