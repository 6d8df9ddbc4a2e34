// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package reader

import (
	"container/heap"
	"io"
	"sort"
	"sync/atomic"

	"github.com/danjacques/gomcap/format"

	"github.com/pkg/errors"
)

// Iterator visits a file's messages in playback order: by log time, then
// sequence, then channel. Messages that compare equal are visited in file
// order.
//
// An Iterator decompresses chunks lazily. A chunk is only opened once the
// Iterator's position reaches its earliest message time.
//
// An Iterator holds a reference to its Reader's source, and remains usable
// after the Reader is closed. It must be closed when finished. An Iterator is
// not safe for concurrent use.
type Iterator struct {
	r *Reader
	s *format.Summary

	filter channelSet
	from   uint64

	// chunks are the candidate chunks for the current position, ordered by
	// start time. Chunks before next have been opened.
	chunks []*format.ChunkIndex
	next   int

	cursors cursorHeap
	index   int
	closed  int32
}

// NewIterator returns an Iterator positioned at the file's first message.
//
// NewIterator requires the file's Summary.
func (r *Reader) NewIterator() (*Iterator, error) {
	s, err := r.requireSummary()
	if err != nil {
		return nil, r.result(err)
	}

	r.src.retain()
	readerIteratorsGauge.Inc()

	it := Iterator{
		r: r,
		s: s,
	}
	it.reset(0)
	return &it, nil
}

// Close releases the Iterator's reference to its Reader's source.
func (it *Iterator) Close() error {
	if !atomic.CompareAndSwapInt32(&it.closed, 0, 1) {
		return errors.Wrap(format.ErrAlreadyClosed, "iterator is closed")
	}
	it.cursors = nil
	readerIteratorsGauge.Dec()
	return it.r.src.release()
}

func (it *Iterator) check() error {
	if atomic.LoadInt32(&it.closed) != 0 {
		return errors.Wrap(format.ErrAlreadyClosed, "iterator is closed")
	}
	return nil
}

// reset positions the Iterator at the first message whose log time is at
// least from.
func (it *Iterator) reset(from uint64) {
	it.from = from
	it.chunks = append(it.chunks[:0], selectChunks(it.s, timeRange{from, allTime.end}, it.filter)...)
	sort.SliceStable(it.chunks, func(i, j int) bool {
		a, b := it.chunks[i], it.chunks[j]
		if a.MessageStartTime != b.MessageStartTime {
			return a.MessageStartTime < b.MessageStartTime
		}
		return a.ChunkStartOffset < b.ChunkStartOffset
	})

	it.next = 0
	it.cursors = it.cursors[:0]
	it.index = 0
}

// fill opens every chunk that could hold a message ordered before the current
// minimum.
//
// If a chunk cannot be read, fill returns its error. The chunk is skipped,
// and a subsequent call continues with the next chunk.
func (it *Iterator) fill() error {
	for it.next < len(it.chunks) {
		ci := it.chunks[it.next]
		if len(it.cursors) > 0 && ci.MessageStartTime > it.cursors[0].current().LogTime {
			return nil
		}
		it.next++

		msgs, err := it.r.chunkMessages(ci, timeRange{it.from, allTime.end}, it.filter)
		if err != nil {
			readerErrors.WithLabelValues("iterator").Inc()
			return it.r.result(err)
		}
		if len(msgs) == 0 {
			continue
		}
		sortMessages(msgs)
		heap.Push(&it.cursors, &chunkCursor{offset: ci.ChunkStartOffset, msgs: msgs})
	}
	return nil
}

// Peek returns the next message without advancing the Iterator. It returns
// io.EOF when no messages remain.
func (it *Iterator) Peek() (*format.Message, error) {
	if err := it.check(); err != nil {
		return nil, err
	}
	if err := it.fill(); err != nil {
		return nil, err
	}
	if len(it.cursors) == 0 {
		return nil, io.EOF
	}
	return it.cursors[0].current(), nil
}

// Next returns the next message and advances the Iterator. It returns io.EOF
// when no messages remain.
func (it *Iterator) Next() (*format.Message, error) {
	m, err := it.Peek()
	if err != nil {
		return nil, err
	}

	c := it.cursors[0]
	if c.pos++; c.pos < len(c.msgs) {
		heap.Fix(&it.cursors, 0)
	} else {
		heap.Pop(&it.cursors)
	}
	it.index++
	return m, nil
}

// HasNext returns true if a message remains. Chunks that cannot be read are
// skipped; their errors are available through the Reader's LastError.
func (it *Iterator) HasNext() bool {
	for {
		_, err := it.Peek()
		switch {
		case err == nil:
			return true
		case err == io.EOF:
			return false
		case it.check() != nil:
			return false
		}
	}
}

// Index returns the number of messages returned by Next since the Iterator
// was last positioned.
func (it *Iterator) Index() int { return it.index }

// RestrictToChannels limits the Iterator to messages on the specified
// channels, and rewinds it. With no channels, every channel is visited.
func (it *Iterator) RestrictToChannels(ids ...uint16) {
	if len(ids) == 0 {
		it.filter = channelSet{}
	} else {
		it.filter = newChannelSet(ids)
	}
	it.Rewind()
}

// ClearFilter removes any channel restriction and rewinds the Iterator.
func (it *Iterator) ClearFilter() { it.RestrictToChannels() }

// Rewind positions the Iterator at the file's first message.
func (it *Iterator) Rewind() { it.reset(0) }

// SeekToTime positions the Iterator at the first message whose log time is at
// least t.
func (it *Iterator) SeekToTime(t uint64) { it.reset(t) }

// SeekAfter positions the Iterator at the first message ordered strictly
// after m.
func (it *Iterator) SeekAfter(m *format.Message) error {
	it.reset(m.LogTime)
	for {
		next, err := it.Peek()
		switch {
		case err == io.EOF:
			it.index = 0
			return nil
		case err != nil:
			return err
		case m.Before(next):
			it.index = 0
			return nil
		}
		if _, err := it.Next(); err != nil {
			return err
		}
	}
}

// SeekToNearestTime positions the Iterator at the first message whose log
// time is at least t. If there is no such message, it positions the Iterator
// at the latest message before t. It returns false if the Iterator has no
// messages to visit at all.
func (it *Iterator) SeekToNearestTime(t uint64) bool {
	it.reset(t)
	if it.HasNext() {
		return true
	}

	var (
		best  uint64
		found bool
	)
	for _, ci := range selectChunks(it.s, timeRange{0, t}, it.filter) {
		entries, err := it.r.chunkEntries(ci)
		if err != nil {
			_ = it.r.result(err)
			continue
		}
		for id, e := range entries {
			if !it.filter.contains(id) {
				continue
			}
			// Entries are sorted by log time; find the last one at or before t.
			i := sort.Search(len(e), func(i int) bool { return e[i].LogTime > t })
			if i > 0 && (!found || e[i-1].LogTime > best) {
				best, found = e[i-1].LogTime, true
			}
		}
	}
	if !found {
		return false
	}
	it.reset(best)
	return it.HasNext()
}

// SeekToNextOnChannel positions the Iterator at the earliest log time after
// after that has a message on the specified channel. If there is no such
// message, the Iterator is unchanged and SeekToNextOnChannel returns false.
func (it *Iterator) SeekToNextOnChannel(id uint16, after uint64) bool {
	if after == allTime.end {
		return false
	}

	var (
		best  uint64
		found bool
	)
	cs := newChannelSet([]uint16{id})
	for _, ci := range selectChunks(it.s, timeRange{after + 1, allTime.end}, cs) {
		if found && ci.MessageStartTime >= best {
			continue
		}
		entries, err := it.r.chunkEntries(ci)
		if err != nil {
			_ = it.r.result(err)
			continue
		}
		e := entries[id]
		i := sort.Search(len(e), func(i int) bool { return e[i].LogTime > after })
		if i < len(e) && (!found || e[i].LogTime < best) {
			best, found = e[i].LogTime, true
		}
	}
	if !found {
		return false
	}
	it.reset(best)
	return true
}

// MessageAtTime returns the message on the specified channel whose log time
// is exactly t. If several match, the one with the lowest sequence is
// returned. If none match, MessageAtTime returns nil.
//
// MessageAtTime does not move the Iterator.
func (it *Iterator) MessageAtTime(id uint16, t uint64) (*format.Message, error) {
	if err := it.check(); err != nil {
		return nil, err
	}
	if _, ok := it.s.Channels[id]; !ok {
		return nil, errors.Wrapf(format.ErrUnknownChannel, "channel %d", id)
	}

	var best *format.Message
	tr, cs := timeRange{t, t}, newChannelSet([]uint16{id})
	for _, ci := range selectChunks(it.s, tr, cs) {
		msgs, err := it.r.chunkMessages(ci, tr, cs)
		if err != nil {
			return nil, it.r.result(err)
		}
		for _, m := range msgs {
			if best == nil || m.Sequence < best.Sequence {
				best = m
			}
		}
	}
	return best, nil
}

// chunkCursor is the read position within one chunk's sorted messages.
type chunkCursor struct {
	offset uint64
	msgs   []*format.Message
	pos    int
}

func (c *chunkCursor) current() *format.Message { return c.msgs[c.pos] }

// cursorHeap is a min-heap of chunk cursors, ordered by their current
// messages. Ties are broken by chunk offset.
type cursorHeap []*chunkCursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	a, b := h[i].current(), h[j].current()
	switch {
	case a.Before(b):
		return true
	case b.Before(a):
		return false
	default:
		return h[i].offset < h[j].offset
	}
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(v interface{}) { *h = append(*h, v.(*chunkCursor)) }

func (h *cursorHeap) Pop() interface{} {
	old := *h
	c := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return c
}
