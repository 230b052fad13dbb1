// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package postgres

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chronolog/chronolog/internal/event"
	"github.com/chronolog/chronolog/internal/store"
)

// scanColumns is the column list shared by every event read.
const scanColumns = `id, name, category, stream, position, sequence_number, payload, observed_at, occurred_at`

// scanQuery accumulates WHERE clauses and positional arguments for a
// scan over the events table. Clauses use `$%d` verbs which are numbered
// as arguments accumulate.
type scanQuery struct {
	clauses []string
	args    []any
}

func (q *scanQuery) where(clause string, args ...any) {
	positions := make([]any, len(args))
	for i := range args {
		positions[i] = len(q.args) + i + 1
	}
	q.clauses = append(q.clauses, fmt.Sprintf(clause, positions...))
	q.args = append(q.args, args...)
}

func (q *scanQuery) sql(limit int) string {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(scanColumns)
	b.WriteString(" FROM events")
	if len(q.clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.clauses, " AND "))
	}
	b.WriteString(" ORDER BY sequence_number")
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String()
}

// target narrows a scan to the addressed log, category or stream.
func (q *scanQuery) target(target event.Identifier) {
	switch t := target.(type) {
	case event.LogIdentifier:
	case event.CategoryIdentifier:
		q.where("category = $%d", t.Category)
	case event.StreamIdentifier:
		q.where("category = $%d AND stream = $%d", t.Category, t.Stream)
	default:
		panic("postgres: unknown identifier type")
	}
}

// pushdown translates supported constraints into SQL clauses, returning
// the residual constraints that must be filtered in memory. The sequence
// cursor constraint is folded into the caller's keyset cursor instead.
func pushdown(q *scanQuery, constraints []store.Constraint) (startCursor int64, residual []store.Constraint) {
	for _, constraint := range constraints {
		switch c := constraint.(type) {
		case store.SequenceNumberAfterConstraint:
			if c.After > startCursor {
				startCursor = c.After
			}
		case store.PayloadPathEqualsConstraint:
			if clause, arg, ok := payloadEqualsClause(c); ok {
				q.where(clause, arg)
			} else {
				residual = append(residual, constraint)
			}
		case store.PayloadPathContainsConstraint:
			if clause, arg, ok := payloadContainsClause(c); ok {
				q.where(clause, arg)
			} else {
				residual = append(residual, constraint)
			}
		default:
			residual = append(residual, constraint)
		}
	}
	return startCursor, residual
}

// payloadEqualsClause compares a scalar at a JSON path using text
// extraction with a typed cast. Numeric values cast to numeric and bools
// to boolean; strings compare as extracted text.
func payloadEqualsClause(c store.PayloadPathEqualsConstraint) (clause string, arg any, ok bool) {
	extraction := "payload #>> '" + pathLiteral(c.Path) + "'"
	switch v := c.Value.(type) {
	case string:
		return extraction + " = $%d", v, true
	case bool:
		return "(" + extraction + ")::boolean = $%d", v, true
	case int, int32, int64, float32, float64, json.Number:
		return "(" + extraction + ")::numeric = $%d::numeric", fmt.Sprint(v), true
	default:
		return "", nil, false
	}
}

// payloadContainsClause tests JSONB containment at a JSON path.
func payloadContainsClause(c store.PayloadPathContainsConstraint) (clause string, arg any, ok bool) {
	doc, err := json.Marshal(c.Value)
	if err != nil {
		return "", nil, false
	}
	if len(c.Path) == 0 {
		return "payload @> $%d::jsonb", string(doc), true
	}
	return "payload #> '" + pathLiteral(c.Path) + "' @> $%d::jsonb", string(doc), true
}

// pathLiteral renders a JSON path as a postgres text array literal.
// Path segments originate in code, not user input; quotes are escaped
// all the same.
func pathLiteral(path []string) string {
	escaped := make([]string, len(path))
	for i, segment := range path {
		escaped[i] = strings.ReplaceAll(segment, "'", "''")
	}
	return "{" + strings.Join(escaped, ",") + "}"
}
