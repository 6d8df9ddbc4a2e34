// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package format

import (
	"github.com/pkg/errors"
)

// Error kinds. Errors returned by gomcap wrap one of these; use errors.Cause
// to classify them.
var (
	// ErrIO means the underlying source or destination failed.
	ErrIO = errors.New("i/o error")
	// ErrFormat means bytes did not follow the container layout: bad magic,
	// truncated records, or length overruns.
	ErrFormat = errors.New("malformed data")
	// ErrChecksum means a chunk, attachment, or summary CRC did not match.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrUnknownChannel means a channel ID was never registered.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrUnknownSchema means a schema ID was never registered.
	ErrUnknownSchema = errors.New("unknown schema")
	// ErrSummaryUnavailable means an indexed query needs a Summary the file
	// doesn't have.
	ErrSummaryUnavailable = errors.New("summary unavailable")
	// ErrOffsetLocked means the writer's time offset can no longer change, or a
	// timestamp would underflow it.
	ErrOffsetLocked = errors.New("time offset locked")
	// ErrInvalidRange means a range ends before it starts, or holds nothing.
	ErrInvalidRange = errors.New("invalid range")
	// ErrAlreadyClosed means the object has reached its terminal state.
	ErrAlreadyClosed = errors.New("already closed")
)

// IsKind returns true if err was caused by kind.
func IsKind(err error, kind error) bool {
	return err != nil && errors.Cause(err) == kind
}
