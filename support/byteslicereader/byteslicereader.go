// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package byteslicereader offers R, a slice-backed reader that decodes
// little-endian fields with zero-copy options.
//
// Standard io.Reader methods require that data be copied into a target buffer.
// The zero-copy options, Peek, Next, and the length-prefixed byte readers,
// allow for data to be returned as slices of R's underlying Buffer.
//
// With great power comes great responsibility: holding a reference to an
// underlying Buffer means that the Buffer must persist as long as that
// reference is valid. When the Buffer is a memory-mapped file, the mapping
// must outlive every returned slice.
//
// R allows for APIs that may want to be zero-copy conditionally by exposing
// an AlwaysCopy flag. If set, R's zero-copy operations will return copies of
// the underlying Buffer, decoupling them from their base state.
package byteslicereader

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// R is an io.Reader-inspired type that exposes operations that return byte
// slices and decoded fields, instead of filling a byte slice.
//
// R can be copied, creating a snapshot of its current state.
type R struct {
	// Buffer is the backing buffer for this reader.
	Buffer []byte

	// AlwaysCopy, if true, causes zero-copy methods to return copies of their
	// backing data instead of direct references.
	//
	// All zero-copy methods honor AlwaysCopy, so it is safe to assume that data
	// returned by all R methods is owned by the caller when AlwaysCopy is true.
	AlwaysCopy bool

	// pos is the R's position within Buffer.
	pos int64
}

var _ interface {
	io.Reader
	io.ByteReader
} = (*R)(nil)

func (r *R) remainingSlice() []byte {
	if r.pos >= int64(len(r.Buffer)) {
		return nil
	}
	return r.Buffer[r.pos:]
}

// Remaining returns the number of bytes remaining in the reader, from the
// current position.
func (r *R) Remaining() int { return len(r.remainingSlice()) }

// Offset returns the reader's current position within Buffer.
func (r *R) Offset() int64 { return r.pos }

// Read implements io.Reader.
//
// Note that using Read cause data to be copied.
func (r *R) Read(b []byte) (amt int, err error) {
	remaining := r.remainingSlice()
	amt = copy(b, remaining)

	r.pos += int64(amt)
	if r.pos >= int64(len(r.Buffer)) {
		err = io.EOF
	}
	return
}

// ReadByte implements io.ByteReader.
func (r *R) ReadByte() (b byte, err error) {
	if r.pos >= int64(len(r.Buffer)) {
		return 0, io.EOF
	}

	b, r.pos = r.Buffer[r.pos], r.pos+1
	return
}

// Peek returns the next n bytes in r without advancing it.
//
// Peek is a zero-copy method, and returns a slice of the underlying Buffer
// unless AlwaysCopy is true.
//
// If there are fewer than n bytes in r, Peek will return as many as possible.
func (r *R) Peek(n int) []byte {
	v := r.remainingSlice()
	if n < len(v) {
		v = v[:n]
	}

	if r.AlwaysCopy {
		v = append([]byte(nil), v...)
	}

	return v
}

// Next returns the next n bytes in r, advancing r.
//
// Next is a zero-copy equivalent to Read, and returns a slice of the underlying
// Buffer unless AlwaysCopy is true.
//
// If there are fewer than n bytes in r, Next will return as many bytes as it
// can and io.EOF as an error. Next will never return an error if all requested
// bytes are returned.
func (r *R) Next(n int) (v []byte, err error) {
	v = r.remainingSlice()
	if n < len(v) {
		v = v[:n]
	} else if n > len(v) {
		err = io.EOF
	}

	if r.AlwaysCopy {
		v = append([]byte(nil), v...)
	}

	r.pos += int64(len(v))
	return
}

// Skip advances r by n bytes. If fewer than n bytes remain, r is advanced to
// its end and io.ErrUnexpectedEOF is returned.
func (r *R) Skip(n int) error {
	if n > r.Remaining() {
		r.pos = int64(len(r.Buffer))
		return io.ErrUnexpectedEOF
	}
	r.pos += int64(n)
	return nil
}

// fixed returns the next n bytes without honoring AlwaysCopy. It is used for
// fields that are decoded immediately.
func (r *R) fixed(n int) ([]byte, error) {
	v := r.remainingSlice()
	if len(v) < n {
		return nil, io.ErrUnexpectedEOF
	}
	r.pos += int64(n)
	return v[:n], nil
}

// Uint8 reads a single byte.
func (r *R) Uint8() (uint8, error) {
	b, err := r.fixed(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a little-endian uint16.
func (r *R) Uint16() (uint16, error) {
	b, err := r.fixed(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Uint32 reads a little-endian uint32.
func (r *R) Uint32() (uint32, error) {
	b, err := r.fixed(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Uint64 reads a little-endian uint64.
func (r *R) Uint64() (uint64, error) {
	b, err := r.fixed(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// PrefixedString reads a string preceded by its uint32 byte length.
//
// Strings are always copies.
func (r *R) PrefixedString() (string, error) {
	n, err := r.Uint32()
	if err != nil {
		return "", err
	}
	b, err := r.fixed(int(n))
	if err != nil {
		return "", errors.Wrapf(err, "string of length %d", n)
	}
	return string(b), nil
}

// PrefixedBytes32 reads a byte slice preceded by its uint32 length.
//
// PrefixedBytes32 is a zero-copy method.
func (r *R) PrefixedBytes32() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	return r.sized(uint64(n))
}

// PrefixedBytes64 reads a byte slice preceded by its uint64 length.
//
// PrefixedBytes64 is a zero-copy method.
func (r *R) PrefixedBytes64() ([]byte, error) {
	n, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	return r.sized(n)
}

func (r *R) sized(n uint64) ([]byte, error) {
	if n > uint64(r.Remaining()) {
		return nil, errors.Wrapf(io.ErrUnexpectedEOF, "%d bytes requested, %d remain", n, r.Remaining())
	}
	v, _ := r.Next(int(n))
	return v, nil
}

// Sub returns a reader over the next n bytes, advancing r past them. The
// returned reader shares r's Buffer and AlwaysCopy setting.
func (r *R) Sub(n uint64) (R, error) {
	if n > uint64(r.Remaining()) {
		return R{}, errors.Wrapf(io.ErrUnexpectedEOF, "%d bytes requested, %d remain", n, r.Remaining())
	}
	start := r.pos
	r.pos += int64(n)
	return R{
		Buffer:     r.Buffer[start:r.pos],
		AlwaysCopy: r.AlwaysCopy,
	}, nil
}

// Rest returns all remaining bytes, advancing r to its end.
//
// Rest is a zero-copy method.
func (r *R) Rest() []byte {
	v, _ := r.Next(r.Remaining())
	return v
}
