// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package reader

import (
	"io"
	"sort"

	"github.com/danjacques/gomcap/format"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"
)

// channelSet is a set of channel IDs. A nil channelSet contains every channel.
type channelSet struct {
	bm *roaring.Bitmap
}

func newChannelSet(ids []uint16) channelSet {
	bm := roaring.New()
	for _, id := range ids {
		bm.Add(uint32(id))
	}
	return channelSet{bm}
}

func (cs channelSet) contains(id uint16) bool { return cs.bm == nil || cs.bm.Contains(uint32(id)) }

// inChunk returns true if ci may hold a message on a channel in cs.
func (cs channelSet) inChunk(ci *format.ChunkIndex) bool {
	if cs.bm == nil || len(ci.MessageIndexOffsets) == 0 {
		// Without message indexes, channel presence is unknown.
		return true
	}
	for id := range ci.MessageIndexOffsets {
		if cs.bm.Contains(uint32(id)) {
			return true
		}
	}
	return false
}

// timeRange is an inclusive range of log times.
type timeRange struct {
	start, end uint64
}

var allTime = timeRange{0, ^uint64(0)}

func (tr timeRange) contains(t uint64) bool { return t >= tr.start && t <= tr.end }

func (tr timeRange) overlaps(ci *format.ChunkIndex) bool {
	return ci.MessageEndTime >= tr.start && ci.MessageStartTime <= tr.end
}

// selectChunks returns the chunks that may hold messages matching tr and cs,
// in file order.
func selectChunks(s *format.Summary, tr timeRange, cs channelSet) []*format.ChunkIndex {
	var cis []*format.ChunkIndex
	for _, ci := range s.ChunkIndexes {
		if tr.overlaps(ci) && cs.inChunk(ci) {
			cis = append(cis, ci)
		}
	}
	return cis
}

// chunkMessages decompresses ci and returns its messages that match tr and
// cs, in chunk order.
func (r *Reader) chunkMessages(ci *format.ChunkIndex, tr timeRange, cs channelSet) ([]*format.Message, error) {
	records, err := r.readChunk(ci)
	if err != nil {
		return nil, err
	}

	var msgs []*format.Message
	l := format.NewLexer(records)
	for {
		op, body, off, err := l.Next()
		switch {
		case err == io.EOF:
			return msgs, nil
		case err != nil:
			return nil, errors.Wrapf(err, "chunk at %d", ci.ChunkStartOffset)
		case op != format.OpMessage:
			continue
		}

		rec, err := format.ParseRecord(op, body, r.copyRecords())
		if err != nil {
			return nil, errors.Wrapf(err, "chunk at %d, offset %d", ci.ChunkStartOffset, off)
		}
		if m := rec.(*format.Message); tr.contains(m.LogTime) && cs.contains(m.ChannelID) {
			msgs = append(msgs, m)
		}
	}
}

// sortMessages sorts msgs into playback order. Messages that compare equal
// keep their relative order.
func sortMessages(msgs []*format.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}

func (r *Reader) queryMessages(tr timeRange, cs channelSet) ([]*format.Message, error) {
	s, err := r.requireSummary()
	if err != nil {
		return nil, err
	}

	var msgs []*format.Message
	for _, ci := range selectChunks(s, tr, cs) {
		cm, err := r.chunkMessages(ci, tr, cs)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, cm...)
	}
	sortMessages(msgs)
	return msgs, nil
}

// MessagesInTimeRange returns every message whose log time is within
// [start, end], ordered by log time then sequence.
func (r *Reader) MessagesInTimeRange(start, end uint64) ([]*format.Message, error) {
	if end < start {
		return nil, r.result(errors.Wrapf(format.ErrInvalidRange, "end %d is before start %d", end, start))
	}
	msgs, err := r.queryMessages(timeRange{start, end}, channelSet{})
	return msgs, r.result(err)
}

// MessagesForChannel returns every message on the specified channel, ordered
// by log time then sequence.
func (r *Reader) MessagesForChannel(id uint16) ([]*format.Message, error) {
	return r.MessagesForChannels([]uint16{id})
}

// MessagesForChannels returns every message on any of the specified
// channels, ordered by log time then sequence.
func (r *Reader) MessagesForChannels(ids []uint16) ([]*format.Message, error) {
	if err := r.checkChannels(ids); err != nil {
		return nil, r.result(err)
	}
	msgs, err := r.queryMessages(allTime, newChannelSet(ids))
	return msgs, r.result(err)
}

// MessagesForTopic returns every message on channels with the specified
// topic, ordered by log time then sequence.
func (r *Reader) MessagesForTopic(topic string) ([]*format.Message, error) {
	ids, err := r.ChannelsForTopic(topic)
	if err != nil {
		return nil, err
	}
	return r.MessagesForChannels(ids)
}

func (r *Reader) checkChannels(ids []uint16) error {
	s, err := r.requireSummary()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := s.Channels[id]; !ok {
			return errors.Wrapf(format.ErrUnknownChannel, "channel %d", id)
		}
	}
	return nil
}

// MessageIndexes reads the MessageIndex records that follow the chunk located
// by ci, keyed by channel ID. It does not decompress the chunk.
//
// If the file was written without message indexes, the map is empty.
func (r *Reader) MessageIndexes(ci *format.ChunkIndex) (map[uint16]*format.MessageIndex, error) {
	if err := r.check(); err != nil {
		return nil, r.result(err)
	}
	mis, err := r.readMessageIndexes(ci)
	return mis, r.result(err)
}

func (r *Reader) readMessageIndexes(ci *format.ChunkIndex) (map[uint16]*format.MessageIndex, error) {
	mis := make(map[uint16]*format.MessageIndex, len(ci.MessageIndexOffsets))
	if ci.MessageIndexLength == 0 {
		return mis, nil
	}

	start := int64(ci.ChunkStartOffset + ci.ChunkLength)
	data, err := r.src.slice(start, int64(ci.MessageIndexLength))
	if err != nil {
		return nil, errors.Wrapf(err, "message indexes of chunk at %d", ci.ChunkStartOffset)
	}

	l := format.NewLexerAt(data, start)
	for {
		op, body, off, err := l.Next()
		switch {
		case err == io.EOF:
			return mis, nil
		case err != nil:
			return nil, err
		case op != format.OpMessageIndex:
			return nil, errors.Wrapf(format.ErrFormat, "expected MessageIndex at %d, found %s", off, op)
		}

		rec, err := format.ParseRecord(op, body, false)
		if err != nil {
			return nil, err
		}
		mi := rec.(*format.MessageIndex)
		mis[mi.ChannelID] = mi
	}
}

// chunkEntries returns the log time and offset of every message in ci,
// grouped by channel and sorted by log time. It uses the chunk's message
// indexes when the file has them, and decodes the chunk otherwise.
func (r *Reader) chunkEntries(ci *format.ChunkIndex) (map[uint16][]format.MessageIndexEntry, error) {
	if ci.MessageIndexLength > 0 {
		mis, err := r.readMessageIndexes(ci)
		if err != nil {
			return nil, err
		}
		entries := make(map[uint16][]format.MessageIndexEntry, len(mis))
		for id, mi := range mis {
			entries[id] = mi.Records
		}
		return entries, nil
	}

	records, err := r.readChunk(ci)
	if err != nil {
		return nil, err
	}

	entries := make(map[uint16][]format.MessageIndexEntry)
	l := format.NewLexer(records)
	for {
		op, body, off, err := l.Next()
		switch {
		case err == io.EOF:
			for _, e := range entries {
				sort.SliceStable(e, func(i, j int) bool { return e[i].LogTime < e[j].LogTime })
			}
			return entries, nil
		case err != nil:
			return nil, err
		case op != format.OpMessage:
			continue
		}

		rec, err := format.ParseRecord(op, body, false)
		if err != nil {
			return nil, err
		}
		m := rec.(*format.Message)
		entries[m.ChannelID] = append(entries[m.ChannelID], format.MessageIndexEntry{
			LogTime: m.LogTime,
			Offset:  uint64(off),
		})
	}
}

// SeekMessage reads the message that entry locates within the chunk located
// by ci.
func (r *Reader) SeekMessage(ci *format.ChunkIndex, entry format.MessageIndexEntry) (*format.Message, error) {
	if err := r.check(); err != nil {
		return nil, r.result(err)
	}

	records, err := r.readChunk(ci)
	if err != nil {
		return nil, r.result(err)
	}
	if entry.Offset >= uint64(len(records)) {
		return nil, r.result(errors.Wrapf(format.ErrFormat, "message offset %d is outside of %d-byte chunk",
			entry.Offset, len(records)))
	}

	op, body, _, err := format.NewLexer(records[entry.Offset:]).Next()
	if err != nil {
		return nil, r.result(err)
	}
	if op != format.OpMessage {
		return nil, r.result(errors.Wrapf(format.ErrFormat, "expected Message at chunk offset %d, found %s",
			entry.Offset, op))
	}
	rec, err := format.ParseRecord(op, body, r.copyRecords())
	if err != nil {
		return nil, r.result(err)
	}
	return rec.(*format.Message), nil
}

// countMessages counts the messages matching tr and cs using only chunk
// message indexes, where available.
func (r *Reader) countMessages(tr timeRange, cs channelSet) (uint64, error) {
	s, err := r.requireSummary()
	if err != nil {
		return 0, err
	}

	var count uint64
	for _, ci := range selectChunks(s, tr, cs) {
		entries, err := r.chunkEntries(ci)
		if err != nil {
			return 0, err
		}
		for id, e := range entries {
			if cs.contains(id) {
				count += countInRange(e, tr)
			}
		}
	}
	return count, nil
}

// countInRange counts the entries of e, which is sorted by log time, that
// fall within tr.
func countInRange(e []format.MessageIndexEntry, tr timeRange) uint64 {
	lo := sort.Search(len(e), func(i int) bool { return e[i].LogTime >= tr.start })
	hi := sort.Search(len(e), func(i int) bool { return e[i].LogTime > tr.end })
	return uint64(hi - lo)
}

// MessageCount returns the number of messages in the file.
func (r *Reader) MessageCount() (uint64, error) {
	s, err := r.requireSummary()
	if err != nil {
		return 0, r.result(err)
	}
	if s.Statistics != nil {
		return s.Statistics.MessageCount, nil
	}
	count, err := r.countMessages(allTime, channelSet{})
	return count, r.result(err)
}

// MessageCountForChannel returns the number of messages on the specified
// channel.
func (r *Reader) MessageCountForChannel(id uint16) (uint64, error) {
	if err := r.checkChannels([]uint16{id}); err != nil {
		return 0, r.result(err)
	}
	if st := r.summary.Statistics; st != nil {
		return st.ChannelMessageCounts[id], nil
	}
	count, err := r.countMessages(allTime, newChannelSet([]uint16{id}))
	return count, r.result(err)
}

// MessageCountInRange returns the number of messages whose log time is within
// [start, end].
func (r *Reader) MessageCountInRange(start, end uint64) (uint64, error) {
	if end < start {
		return 0, r.result(errors.Wrapf(format.ErrInvalidRange, "end %d is before start %d", end, start))
	}
	count, err := r.countMessages(timeRange{start, end}, channelSet{})
	return count, r.result(err)
}

// MessageCountForChannelInRange returns the number of messages on the
// specified channel whose log time is within [start, end].
func (r *Reader) MessageCountForChannelInRange(id uint16, start, end uint64) (uint64, error) {
	if end < start {
		return 0, r.result(errors.Wrapf(format.ErrInvalidRange, "end %d is before start %d", end, start))
	}
	if err := r.checkChannels([]uint16{id}); err != nil {
		return 0, r.result(err)
	}
	count, err := r.countMessages(timeRange{start, end}, newChannelSet([]uint16{id}))
	return count, r.result(err)
}
