// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package writer produces chunked, indexed container files.
//
// A Writer accumulates Schema, Channel and Message records into an in-memory
// chunk. When the chunk reaches its configured size, or when the Writer is
// flushed, the chunk is compressed and written along with its MessageIndex
// records. Close writes the Summary, which indexes every chunk, attachment
// and metadata record in the file, followed by the Footer.
//
// A Writer is not safe for concurrent use.
package writer

import (
	"bytes"
	"io"
	"math"

	"github.com/danjacques/gomcap/format"
	"github.com/danjacques/gomcap/support/logging"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/crc32"
	"github.com/pkg/errors"
)

// Writer writes a container file.
type Writer struct {
	cfg    Config
	logger logging.L

	// path is the path of the file being written, if known.
	path string

	out   *output
	codec format.Codec

	// schemas is indexed by schema ID - 1.
	schemas []*format.Schema
	// channels is indexed by channel ID.
	channels []*format.Channel
	// sequences holds the last writer-assigned sequence for each channel.
	sequences []uint32

	chunk      chunkBuilder
	compressed []byte

	chunkIndexes      []*format.ChunkIndex
	attachmentIndexes []*format.AttachmentIndex
	metadataIndexes   []*format.MetadataIndex
	stats             format.Statistics

	timeOffset   int64
	offsetLocked bool

	// err, if not nil, is the error that poisoned this Writer.
	err       error
	closed    bool
	lastError string
}

func (cfg *Config) newWriter(base io.Writer, closer io.Closer, path string) (*Writer, error) {
	codec, err := format.NewCodec(cfg.Compression, cfg.CompressionLevel)
	if err != nil {
		return nil, err
	}

	w := Writer{
		cfg:    *cfg,
		logger: logging.Must(cfg.Logger),
		path:   path,
		out:    newOutput(base, closer),
		codec:  codec,
		stats: format.Statistics{
			ChannelMessageCounts: make(map[uint16]uint64),
		},
	}

	w.out.resetCRC(!cfg.DisableDataCRC)
	if _, err := w.out.Write(format.Magic); err != nil {
		return nil, errors.Wrapf(format.ErrIO, "writing magic: %s", err)
	}
	if _, err := format.WriteRecord(w.out, &format.Header{Profile: cfg.Profile, Library: cfg.library()}); err != nil {
		return nil, errors.Wrapf(format.ErrIO, "writing header: %s", err)
	}

	writerOpenGauge.Inc()
	return &w, nil
}

// Path returns the path of the file being written, or an empty string if the
// Writer was not created from a path.
func (w *Writer) Path() string { return w.path }

// NumMessages returns the number of messages written so far.
func (w *Writer) NumMessages() int64 { return int64(w.stats.MessageCount) }

// NumBytes returns the number of bytes written so far, including the active
// chunk's uncompressed records.
func (w *Writer) NumBytes() int64 { return w.out.pos + w.chunk.size() }

// Statistics returns a snapshot of the file's statistics so far.
func (w *Writer) Statistics() *format.Statistics {
	stats := w.stats
	stats.SchemaCount = uint16(len(w.schemas))
	stats.ChannelCount = uint32(len(w.channels))
	stats.ChannelMessageCounts = make(map[uint16]uint64, len(w.stats.ChannelMessageCounts))
	for id, count := range w.stats.ChannelMessageCounts {
		stats.ChannelMessageCounts[id] = count
	}
	return &stats
}

// LastError returns the description of the most recent failed operation, or
// an empty string if no operation has failed.
func (w *Writer) LastError() string { return w.lastError }

// result records err as the last error, if it is not nil.
func (w *Writer) result(err error) error {
	if err != nil {
		w.lastError = err.Error()
	}
	return err
}

// check returns an error if the Writer can no longer accept operations.
func (w *Writer) check() error {
	switch {
	case w.closed:
		return errors.Wrap(format.ErrAlreadyClosed, "writer is closed")
	case w.err != nil:
		return w.err
	default:
		return nil
	}
}

// poison fails the Writer with an output error. Every further operation
// returns it.
func (w *Writer) poison(op string, err error) error {
	w.err = errors.Wrapf(format.ErrIO, "%s: %s", op, err)
	writerErrors.WithLabelValues("io").Inc()
	w.logger.Errorf("Writer failed while %s: %s", op, err)
	return w.err
}

// SetTimeOffset sets the offset that is added to every subsequent timestamp.
//
// The offset may only be changed until the first message or attachment is
// written; after that it fails with format.ErrOffsetLocked.
func (w *Writer) SetTimeOffset(offset int64) error {
	if err := w.check(); err != nil {
		return w.result(err)
	}
	if w.offsetLocked {
		return w.result(errors.Wrap(format.ErrOffsetLocked, "time offset cannot change after the first timestamped write"))
	}
	w.timeOffset = offset
	return nil
}

// applyOffset returns t adjusted by the time offset.
func (w *Writer) applyOffset(t uint64) (uint64, error) {
	switch off := w.timeOffset; {
	case off >= 0:
		if t > math.MaxUint64-uint64(off) {
			return 0, errors.Wrapf(format.ErrOffsetLocked, "time %d overflows with offset %d", t, off)
		}
		return t + uint64(off), nil
	default:
		neg := uint64(-(off + 1)) + 1
		if t < neg {
			return 0, errors.Wrapf(format.ErrOffsetLocked, "time %d underflows with offset %d", t, off)
		}
		return t - neg, nil
	}
}

// RegisterSchema registers a schema, returning its ID. IDs are assigned
// starting at 1; each call registers a new schema, even if an identical one
// exists.
func (w *Writer) RegisterSchema(name, encoding string, data []byte) (uint16, error) {
	if err := w.check(); err != nil {
		return 0, w.result(err)
	}
	if len(w.schemas) >= math.MaxUint16 {
		return 0, w.result(errors.Wrap(format.ErrFormat, "too many schemas"))
	}

	s := format.Schema{
		ID:       uint16(len(w.schemas) + 1),
		Name:     name,
		Encoding: encoding,
		Data:     append([]byte(nil), data...),
	}
	w.schemas = append(w.schemas, &s)
	return s.ID, nil
}

// RegisterChannel registers a channel, returning its ID. IDs are assigned
// starting at 0.
//
// schemaID must have been returned by RegisterSchema, or be 0 for a channel
// without a schema.
func (w *Writer) RegisterChannel(schemaID uint16, topic, encoding string, metadata map[string]string) (uint16, error) {
	if err := w.check(); err != nil {
		return 0, w.result(err)
	}
	if _, err := w.schema(schemaID); err != nil {
		return 0, w.result(err)
	}
	if len(w.channels) > math.MaxUint16 {
		return 0, w.result(errors.Wrap(format.ErrFormat, "too many channels"))
	}

	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	ch := format.Channel{
		ID:              uint16(len(w.channels)),
		SchemaID:        schemaID,
		Topic:           topic,
		MessageEncoding: encoding,
		Metadata:        md,
	}
	w.channels = append(w.channels, &ch)
	w.sequences = append(w.sequences, 0)
	return ch.ID, nil
}

// schema returns the registered schema with the specified ID. It returns nil
// for schema ID 0.
func (w *Writer) schema(id uint16) (*format.Schema, error) {
	switch {
	case id == 0:
		return nil, nil
	case int(id) > len(w.schemas):
		return nil, errors.Wrapf(format.ErrUnknownSchema, "schema %d", id)
	default:
		return w.schemas[id-1], nil
	}
}

func (w *Writer) channel(id uint16) (*format.Channel, error) {
	if int(id) >= len(w.channels) {
		return nil, errors.Wrapf(format.ErrUnknownChannel, "channel %d", id)
	}
	return w.channels[id], nil
}

// WriteMessage writes msg to the active chunk. msg's channel must have been
// registered.
//
// msg is not retained.
func (w *Writer) WriteMessage(msg *format.Message) error {
	return w.result(w.writeMessage(msg))
}

// WriteHeaderAndPayload writes a message assembled from its header fields and
// payload.
func (w *Writer) WriteHeaderAndPayload(channelID uint16, sequence uint32, logTime, publishTime uint64, payload []byte) error {
	return w.WriteMessage(&format.Message{
		ChannelID:   channelID,
		Sequence:    sequence,
		LogTime:     logTime,
		PublishTime: publishTime,
		Data:        payload,
	})
}

// WriteSequenced writes a message, assigning it the channel's next sequence
// number. Sequences start at 1. It returns the assigned sequence.
func (w *Writer) WriteSequenced(channelID uint16, logTime, publishTime uint64, payload []byte) (uint32, error) {
	if _, err := w.channel(channelID); err != nil {
		return 0, w.result(err)
	}

	seq := w.sequences[channelID] + 1
	if err := w.WriteHeaderAndPayload(channelID, seq, logTime, publishTime, payload); err != nil {
		return 0, err
	}
	w.sequences[channelID] = seq
	return seq, nil
}

func (w *Writer) writeMessage(msg *format.Message) error {
	if err := w.check(); err != nil {
		return err
	}

	ch, err := w.channel(msg.ChannelID)
	if err != nil {
		return err
	}
	schema, err := w.schema(ch.SchemaID)
	if err != nil {
		return err
	}

	adj := *msg
	if adj.LogTime, err = w.applyOffset(msg.LogTime); err != nil {
		return err
	}
	if adj.PublishTime, err = w.applyOffset(msg.PublishTime); err != nil {
		return err
	}
	w.offsetLocked = true

	w.chunk.addChannel(ch, schema)
	w.chunk.addMessage(&adj)

	if w.stats.MessageCount == 0 || adj.LogTime < w.stats.MessageStartTime {
		w.stats.MessageStartTime = adj.LogTime
	}
	if w.stats.MessageCount == 0 || adj.LogTime > w.stats.MessageEndTime {
		w.stats.MessageEndTime = adj.LogTime
	}
	w.stats.MessageCount++
	w.stats.ChannelMessageCounts[adj.ChannelID]++
	writerMessages.Inc()

	if w.chunk.size() >= w.cfg.chunkSize() {
		return w.finishChunk()
	}
	return nil
}

// Attach writes an attachment. The active chunk is finished first.
//
// If attachment CRCs are enabled, a's CRC field is ignored and computed.
func (w *Writer) Attach(a *format.Attachment) error {
	return w.result(w.attach(a))
}

func (w *Writer) attach(a *format.Attachment) error {
	if err := w.check(); err != nil {
		return err
	}

	rec := *a
	var err error
	if rec.LogTime, err = w.applyOffset(a.LogTime); err != nil {
		return err
	}
	if rec.CreateTime, err = w.applyOffset(a.CreateTime); err != nil {
		return err
	}
	w.offsetLocked = true

	if err := w.finishChunk(); err != nil {
		return err
	}

	rec.CRC = 0
	if !w.cfg.DisableAttachmentCRC {
		rec.CRC = format.AttachmentCRC(&rec)
	}

	offset := w.out.pos
	length, err := format.WriteRecord(w.out, &rec)
	if err != nil {
		return w.poison("writing attachment", err)
	}

	w.attachmentIndexes = append(w.attachmentIndexes, &format.AttachmentIndex{
		Offset:     uint64(offset),
		Length:     uint64(length),
		LogTime:    rec.LogTime,
		CreateTime: rec.CreateTime,
		DataSize:   uint64(len(rec.Data)),
		Name:       rec.Name,
		MediaType:  rec.MediaType,
	})
	w.stats.AttachmentCount++
	return nil
}

// WriteMetadata writes a metadata record. The active chunk is finished first.
func (w *Writer) WriteMetadata(m *format.Metadata) error {
	return w.result(w.writeMetadata(m))
}

func (w *Writer) writeMetadata(m *format.Metadata) error {
	if err := w.check(); err != nil {
		return err
	}
	if err := w.finishChunk(); err != nil {
		return err
	}

	offset := w.out.pos
	length, err := format.WriteRecord(w.out, m)
	if err != nil {
		return w.poison("writing metadata", err)
	}

	w.metadataIndexes = append(w.metadataIndexes, &format.MetadataIndex{
		Offset: uint64(offset),
		Length: uint64(length),
		Name:   m.Name,
	})
	w.stats.MetadataCount++
	return nil
}

// WriteOpaqueRecord writes an application-defined record. op must be at least
// format.OpApplicationMin.
//
// If includeInChunk is true, the record is written into the active chunk.
// Otherwise, the active chunk is finished and the record is written after it.
func (w *Writer) WriteOpaqueRecord(op format.Opcode, data []byte, includeInChunk bool) error {
	return w.result(w.writeOpaqueRecord(op, data, includeInChunk))
}

func (w *Writer) writeOpaqueRecord(op format.Opcode, data []byte, includeInChunk bool) error {
	if err := w.check(); err != nil {
		return err
	}
	if !op.IsApplication() {
		return errors.Wrapf(format.ErrFormat, "opcode 0x%02X is reserved", uint8(op))
	}

	rec := format.OpaqueRecord{Op: op, Data: data}
	if includeInChunk {
		w.chunk.append(&rec)
		if w.chunk.size() >= w.cfg.chunkSize() {
			return w.finishChunk()
		}
		return nil
	}

	if err := w.finishChunk(); err != nil {
		return err
	}
	if _, err := format.WriteRecord(w.out, &rec); err != nil {
		return w.poison("writing opaque record", err)
	}
	return nil
}

// Flush finishes the active chunk, if it holds any records, and flushes
// buffered output to the destination.
//
// Flush with nothing pending does not change the file.
func (w *Writer) Flush() error {
	return w.result(w.flush())
}

func (w *Writer) flush() error {
	if err := w.check(); err != nil {
		return err
	}
	if err := w.finishChunk(); err != nil {
		return err
	}
	if err := w.out.flush(); err != nil {
		return w.poison("flushing output", err)
	}
	return nil
}

// finishChunk compresses and writes the active chunk and its message indexes.
// It does nothing if the chunk is empty.
func (w *Writer) finishChunk() error {
	if w.chunk.empty() {
		return nil
	}
	defer w.chunk.reset()

	records := w.chunk.buf.Bytes()
	chunk := format.Chunk{
		MessageStartTime: w.chunk.start,
		MessageEndTime:   w.chunk.end,
		UncompressedSize: uint64(len(records)),
		Compression:      w.codec.Compression().WireName(),
		Records:          records,
	}
	if !w.cfg.DisableChunkCRC {
		chunk.UncompressedCRC = crc32.ChecksumIEEE(records)
	}

	if w.codec.Compression() != format.CompressionNone {
		compressed, err := w.codec.Encode(w.compressed[:0], records)
		if err != nil {
			writerErrors.WithLabelValues("compression").Inc()
			return w.poison("compressing chunk", err)
		}
		w.compressed, chunk.Records = compressed, compressed
	}

	chunkStart := w.out.pos
	if _, err := format.WriteRecord(w.out, &chunk); err != nil {
		return w.poison("writing chunk", err)
	}
	chunkLength := w.out.pos - chunkStart

	messageIndexStart := w.out.pos
	offsets := make(map[uint16]uint64)
	if !w.cfg.DisableMessageIndexes {
		for _, mi := range w.chunk.messageIndexes() {
			offsets[mi.ChannelID] = uint64(w.out.pos)
			if _, err := format.WriteRecord(w.out, mi); err != nil {
				return w.poison("writing message index", err)
			}
		}
	}

	w.chunkIndexes = append(w.chunkIndexes, &format.ChunkIndex{
		MessageStartTime:    chunk.MessageStartTime,
		MessageEndTime:      chunk.MessageEndTime,
		ChunkStartOffset:    uint64(chunkStart),
		ChunkLength:         uint64(chunkLength),
		MessageIndexOffsets: offsets,
		MessageIndexLength:  uint64(w.out.pos - messageIndexStart),
		Compression:         chunk.Compression,
		CompressedSize:      uint64(len(chunk.Records)),
		UncompressedSize:    chunk.UncompressedSize,
	})
	w.stats.ChunkCount++

	writerChunks.WithLabelValues(w.codec.Compression().String()).Inc()
	writerChunkBytes.WithLabelValues("uncompressed").Add(float64(len(records)))
	writerChunkBytes.WithLabelValues("compressed").Add(float64(len(chunk.Records)))
	w.logger.Debugf("Wrote chunk #%d at offset %d (%d messages, %d => %d bytes).",
		w.stats.ChunkCount, chunkStart, w.chunk.messages, len(records), len(chunk.Records))
	return nil
}

// Close finishes the file: it writes the active chunk, the DataEnd record, the
// Summary, and the Footer, then flushes the output. If the Writer owns its
// destination, the destination is closed.
//
// If the Writer has failed, Close releases the destination and returns the
// original error.
func (w *Writer) Close() error {
	if w.closed {
		return w.result(errors.Wrap(format.ErrAlreadyClosed, "writer is closed"))
	}
	w.closed = true
	writerOpenGauge.Dec()

	if w.err != nil {
		if w.out.closer != nil {
			_ = w.out.closer.Close()
		}
		return w.result(w.err)
	}

	if err := w.finish(); err != nil {
		if w.err == nil {
			w.err = err
		}
		if w.out.closer != nil {
			_ = w.out.closer.Close()
		}
		return w.result(w.err)
	}

	if err := w.out.Close(); err != nil {
		return w.result(w.poison("closing output", err))
	}

	w.logger.Infof("Finished %q: %s, %d message(s) in %d chunk(s).",
		w.path, humanize.Bytes(uint64(w.out.pos)), w.stats.MessageCount, w.stats.ChunkCount)
	return nil
}

func (w *Writer) finish() error {
	if err := w.finishChunk(); err != nil {
		return err
	}

	var dataCRC uint32
	if !w.cfg.DisableDataCRC {
		dataCRC = w.out.crc
	}
	if _, err := format.WriteRecord(w.out, &format.DataEnd{DataSectionCRC: dataCRC}); err != nil {
		return w.poison("writing data end", err)
	}

	var footer format.Footer
	if !w.cfg.DisableSummary {
		var err error
		if footer, err = w.writeSummary(); err != nil {
			return err
		}
	}

	if footer.SummaryStart != 0 && !w.cfg.DisableSummaryCRC {
		// The CRC extends through the Footer's SummaryOffsetStart field.
		var buf bytes.Buffer
		if _, err := format.WriteRecord(&buf, &footer); err != nil {
			return errors.Wrap(err, "encoding footer")
		}
		footer.SummaryCRC = crc32.Update(w.out.crc, crc32.IEEETable, buf.Bytes()[:format.FooterRecordSize-4])
	}

	if _, err := format.WriteRecord(w.out, &footer); err != nil {
		return w.poison("writing footer", err)
	}
	if _, err := w.out.Write(format.Magic); err != nil {
		return w.poison("writing magic", err)
	}
	return nil
}

// writeSummary writes the Summary section and its SummaryOffset records,
// returning the Footer that locates them.
func (w *Writer) writeSummary() (format.Footer, error) {
	summaryStart := w.out.pos
	w.out.resetCRC(!w.cfg.DisableSummaryCRC)

	var groups []*format.SummaryOffset
	writeGroup := func(op format.Opcode, recs []format.Record) error {
		if len(recs) == 0 {
			return nil
		}

		start := w.out.pos
		for _, rec := range recs {
			if _, err := format.WriteRecord(w.out, rec); err != nil {
				return w.poison("writing summary", err)
			}
		}
		groups = append(groups, &format.SummaryOffset{
			GroupOpcode: op,
			GroupStart:  uint64(start),
			GroupLength: uint64(w.out.pos - start),
		})
		return nil
	}

	recs := make([]format.Record, 0, len(w.schemas))
	for _, s := range w.schemas {
		recs = append(recs, s)
	}
	if err := writeGroup(format.OpSchema, recs); err != nil {
		return format.Footer{}, err
	}

	recs = make([]format.Record, 0, len(w.channels))
	for _, ch := range w.channels {
		recs = append(recs, ch)
	}
	if err := writeGroup(format.OpChannel, recs); err != nil {
		return format.Footer{}, err
	}

	if !w.cfg.DisableStatistics {
		if err := writeGroup(format.OpStatistics, []format.Record{w.Statistics()}); err != nil {
			return format.Footer{}, err
		}
	}

	recs = make([]format.Record, 0, len(w.chunkIndexes))
	for _, ci := range w.chunkIndexes {
		recs = append(recs, ci)
	}
	if err := writeGroup(format.OpChunkIndex, recs); err != nil {
		return format.Footer{}, err
	}

	recs = make([]format.Record, 0, len(w.attachmentIndexes))
	for _, ai := range w.attachmentIndexes {
		recs = append(recs, ai)
	}
	if err := writeGroup(format.OpAttachmentIndex, recs); err != nil {
		return format.Footer{}, err
	}

	recs = make([]format.Record, 0, len(w.metadataIndexes))
	for _, mi := range w.metadataIndexes {
		recs = append(recs, mi)
	}
	if err := writeGroup(format.OpMetadataIndex, recs); err != nil {
		return format.Footer{}, err
	}

	if len(groups) == 0 {
		// Nothing to summarize.
		return format.Footer{}, nil
	}

	footer := format.Footer{SummaryStart: uint64(summaryStart)}
	if !w.cfg.DisableSummaryOffsets {
		footer.SummaryOffsetStart = uint64(w.out.pos)
		for _, so := range groups {
			if _, err := format.WriteRecord(w.out, so); err != nil {
				return format.Footer{}, w.poison("writing summary offsets", err)
			}
		}
	}
	return footer, nil
}
