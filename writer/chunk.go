// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package writer

import (
	"sort"

	"github.com/danjacques/gomcap/format"
	"github.com/danjacques/gomcap/support/bufferpool"
)

// chunkBufferPool holds uncompressed chunk buffers. They are shared between
// Writers.
var chunkBufferPool = bufferpool.Pool{
	InitialSize:     64 * 1024,
	MaxRetainedSize: 16 * 1024 * 1024,
}

// chunkBuilder accumulates the uncompressed records of the active chunk.
type chunkBuilder struct {
	buf *bufferpool.Buffer

	messages   int
	start, end uint64

	// indexes holds, for each channel, the position of its messages within buf.
	indexes map[uint16][]format.MessageIndexEntry

	// schemas and channels are the IDs whose records have been written into
	// this chunk.
	schemas  map[uint16]struct{}
	channels map[uint16]struct{}
}

func (cb *chunkBuilder) size() int64 {
	if cb.buf == nil {
		return 0
	}
	return int64(cb.buf.Len())
}

func (cb *chunkBuilder) empty() bool { return cb.size() == 0 }

func (cb *chunkBuilder) ensure() {
	if cb.buf != nil {
		return
	}

	cb.buf = chunkBufferPool.Get()
	if cb.indexes == nil {
		cb.indexes = make(map[uint16][]format.MessageIndexEntry)
		cb.schemas = make(map[uint16]struct{})
		cb.channels = make(map[uint16]struct{})
	}
}

// append writes rec into the chunk, returning its offset within the chunk.
func (cb *chunkBuilder) append(rec format.Record) uint64 {
	cb.ensure()
	offset := uint64(cb.buf.Len())
	// Writes to a bytes.Buffer never fail.
	_, _ = format.WriteRecord(cb.buf, rec)
	return offset
}

// addChannel writes the channel's Schema and Channel records into the chunk,
// unless this chunk already carries them.
func (cb *chunkBuilder) addChannel(ch *format.Channel, schema *format.Schema) {
	cb.ensure()
	if _, ok := cb.channels[ch.ID]; ok {
		return
	}

	if schema != nil {
		if _, ok := cb.schemas[schema.ID]; !ok {
			cb.append(schema)
			cb.schemas[schema.ID] = struct{}{}
		}
	}
	cb.append(ch)
	cb.channels[ch.ID] = struct{}{}
}

func (cb *chunkBuilder) addMessage(msg *format.Message) {
	offset := cb.append(msg)
	cb.indexes[msg.ChannelID] = append(cb.indexes[msg.ChannelID], format.MessageIndexEntry{
		LogTime: msg.LogTime,
		Offset:  offset,
	})

	if cb.messages == 0 || msg.LogTime < cb.start {
		cb.start = msg.LogTime
	}
	if cb.messages == 0 || msg.LogTime > cb.end {
		cb.end = msg.LogTime
	}
	cb.messages++
}

// messageIndexes returns the chunk's MessageIndex records, ordered by channel
// ID. Each record's entries are ordered by log time, then offset.
func (cb *chunkBuilder) messageIndexes() []*format.MessageIndex {
	ids := make([]int, 0, len(cb.indexes))
	for id := range cb.indexes {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	mis := make([]*format.MessageIndex, len(ids))
	for i, id := range ids {
		entries := cb.indexes[uint16(id)]
		// Entries were appended in offset order.
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].LogTime < entries[j].LogTime })
		mis[i] = &format.MessageIndex{ChannelID: uint16(id), Records: entries}
	}
	return mis
}

func (cb *chunkBuilder) reset() {
	if cb.buf != nil {
		cb.buf.Release()
		cb.buf = nil
	}

	cb.messages = 0
	cb.start, cb.end = 0, 0
	for id := range cb.indexes {
		delete(cb.indexes, id)
	}
	for id := range cb.schemas {
		delete(cb.schemas, id)
	}
	for id := range cb.channels {
		delete(cb.channels, id)
	}
}
