// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package reader

import (
	"io"
	"sync/atomic"

	"github.com/danjacques/gomcap/format"

	"github.com/pkg/errors"
)

// source is the random-access byte source backing a Reader.
type source interface {
	size() int64

	// slice returns the n bytes at off. The returned slice may alias the source,
	// and must not be modified.
	slice(off, n int64) ([]byte, error)

	// aliases returns true if slices returned by slice reference the source's
	// memory, rather than freshly-read buffers.
	aliases() bool

	kind() string
	close() error
}

// memorySource is a source backed by a byte slice, such as a mapped file.
type memorySource struct {
	data   []byte
	name   string
	closer io.Closer
}

func (ms *memorySource) size() int64   { return int64(len(ms.data)) }
func (ms *memorySource) aliases() bool { return true }
func (ms *memorySource) kind() string  { return ms.name }

func (ms *memorySource) slice(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off > int64(len(ms.data)) || n > int64(len(ms.data))-off {
		return nil, errors.Wrapf(format.ErrFormat, "range [%d, +%d) is outside of %d-byte source", off, n, len(ms.data))
	}
	return ms.data[off : off+n : off+n], nil
}

func (ms *memorySource) close() error {
	if ms.closer == nil {
		return nil
	}
	return ms.closer.Close()
}

// readerAtSource is a source that reads from an io.ReaderAt on demand.
type readerAtSource struct {
	r      io.ReaderAt
	sz     int64
	name   string
	closer io.Closer
}

func (rs *readerAtSource) size() int64   { return rs.sz }
func (rs *readerAtSource) aliases() bool { return false }
func (rs *readerAtSource) kind() string  { return rs.name }

func (rs *readerAtSource) slice(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off > rs.sz || n > rs.sz-off {
		return nil, errors.Wrapf(format.ErrFormat, "range [%d, +%d) is outside of %d-byte source", off, n, rs.sz)
	}

	buf := make([]byte, n)
	amt, err := rs.r.ReadAt(buf, off)
	switch {
	case int64(amt) == n:
		// ReadAt may return io.EOF alongside a complete read.
		return buf, nil
	case err == nil, err == io.EOF:
		return nil, errors.Wrapf(format.ErrIO, "short read at %d: %s", off, io.ErrUnexpectedEOF)
	default:
		return nil, errors.Wrapf(format.ErrIO, "reading at %d: %s", off, err)
	}
}

func (rs *readerAtSource) close() error {
	if rs.closer == nil {
		return nil
	}
	return rs.closer.Close()
}

// sharedSource is a reference-counted source. The underlying source is closed
// when its last reference is released.
type sharedSource struct {
	source

	refs int64
}

func newSharedSource(s source) *sharedSource {
	readerSourcesGauge.WithLabelValues(s.kind()).Inc()
	return &sharedSource{source: s, refs: 1}
}

func (ss *sharedSource) retain() { atomic.AddInt64(&ss.refs, 1) }

func (ss *sharedSource) release() error {
	switch refs := atomic.AddInt64(&ss.refs, -1); {
	case refs > 0:
		return nil
	case refs < 0:
		panic("source released too many times")
	}

	readerSourcesGauge.WithLabelValues(ss.kind()).Dec()
	return ss.source.close()
}
