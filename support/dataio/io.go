// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package dataio

import (
	"io"
)

// ReadFull reads from r until buf is full, or until an error is encountered.
//
// This accommodates the fact that io.Reader is allowed to return less than the
// full buffer size without erroring. If r ends before buf is full,
// io.ErrUnexpectedEOF is returned.
func ReadFull(r io.Reader, buf []byte) error {
	for remaining := buf; len(remaining) > 0; {
		amt, err := r.Read(remaining)
		remaining = remaining[amt:]
		if err != nil {
			switch {
			case len(remaining) == 0:
				// Finished read, error or not.
				return nil
			case err == io.EOF:
				return io.ErrUnexpectedEOF
			default:
				return err
			}
		}
	}
	return nil
}
