// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Chronolog Contributors

package store

import "errors"

// ErrUnmetWriteCondition is returned by Save when the supplied write
// condition does not hold against the stream tail. Non-retryable; the
// caller decides how to proceed.
var ErrUnmetWriteCondition = errors.New("unmet write condition")

// ErrConflict is returned when a write collides with an existing row,
// e.g. a duplicate (category, stream, position).
var ErrConflict = errors.New("conflict")
