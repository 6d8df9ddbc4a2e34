// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package mmap maps files into memory, read-only.
package mmap

import (
	"os"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrUnsupported is returned by Open on platforms without memory mapping.
var ErrUnsupported = errors.New("memory mapping is not supported")

// Mapping is a read-only memory-mapped file.
//
// Mapping owns the mapped region and releases it on Close.
type Mapping struct {
	data   []byte
	closed int32
}

// Open maps the file at path into memory.
//
// Empty files produce a valid Mapping with no data.
func Open(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat")
	}

	size := st.Size()
	if size == 0 {
		return &Mapping{}, nil
	}
	if int64(int(size)) != size {
		return nil, errors.Errorf("file too large to map (%d bytes)", size)
	}

	data, err := mapFile(f, int(size))
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}
	return &Mapping{data: data}, nil
}

// Bytes returns the mapped region.
//
// The returned slice is valid only until Close is called. Writing to it will
// fault.
func (m *Mapping) Bytes() []byte {
	if atomic.LoadInt32(&m.closed) != 0 {
		return nil
	}
	return m.data
}

// Size returns the size of the mapping in bytes.
func (m *Mapping) Size() int { return len(m.data) }

// Close unmaps the region. It is idempotent.
func (m *Mapping) Close() error {
	if !atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		return nil
	}
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unmapFile(data)
}
