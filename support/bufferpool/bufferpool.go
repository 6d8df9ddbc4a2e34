// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package bufferpool offers a pool of reference-counted, growable byte
// buffers.
package bufferpool

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// Pool maintains a pool of buffers. It offers a new buffer when one is
// unavailable.
type Pool struct {
	// InitialSize is the capacity that newly-allocated buffers start with.
	InitialSize int

	// MaxRetainedSize, if >0, is the largest capacity that a released buffer
	// may have and still be returned to the pool. Larger buffers are dropped so
	// that a single oversized chunk doesn't pin its memory forever.
	MaxRetainedSize int

	base sync.Pool
}

// Get returns a buffer, allocating one if one is not available. The returned
// buffer is Reset and returned with a reference count of 1.
//
// The caller should return the buffer to the pool by calling its Release method
// when done with it.
func (bp *Pool) Get() *Buffer {
	b, ok := bp.base.Get().(*Buffer)
	if !ok {
		// Create a blank buffer. When it is released, it will be added back to
		// pool.
		b = &Buffer{}
		b.Grow(bp.InitialSize)
	}

	b.Reset()
	b.pool = bp
	b.refcount = 1
	return b
}

func (bp *Pool) releaseNode(b *Buffer) {
	if bp.MaxRetainedSize > 0 && b.Cap() > bp.MaxRetainedSize {
		return
	}
	bp.base.Put(b)
}

// Buffer is a bytes.Buffer that can be released into a Pool for reuse.
//
// Buffer is reference counted, and can be retained and released appropriately.
// Failure to release Buffer will not cause a memory leak, but will prevent the
// reuse of the Buffer.
type Buffer struct {
	bytes.Buffer

	refcount int64
	pool     *Pool
}

// Release returns the buffer to its buffer pool.
//
// Release is safe for concurrent use.
//
// A Buffer must only be released once per reference.
func (b *Buffer) Release() {
	if atomic.AddInt64(&b.refcount, -1) != 0 {
		return
	}

	var pool *Pool
	pool, b.pool = b.pool, nil
	if pool != nil {
		pool.releaseNode(b)
	}
}

// Retain increases the Buffer's reference count. It should be accompanied by
// a Release call to reuse the buffer when it's finished.
func (b *Buffer) Retain() { atomic.AddInt64(&b.refcount, 1) }
