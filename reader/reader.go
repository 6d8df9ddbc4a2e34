// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package reader reads container files.
//
// A Reader offers two kinds of access. Linear access (StreamRecords and
// StreamMessages) scans the data section in file order and works on any file,
// including truncated ones. Indexed access uses the file's Summary to locate
// and decompress only the chunks relevant to a query; it fails with
// format.ErrSummaryUnavailable when the file has no usable Summary.
//
// A Reader may back any number of Iterators. Its source, a memory mapping or
// an open file, is released when the Reader and all of its Iterators have
// been closed.
package reader

import (
	"bytes"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danjacques/gomcap/format"
	"github.com/danjacques/gomcap/support/fmtutil"
	"github.com/danjacques/gomcap/support/logging"
	"github.com/danjacques/gomcap/support/mmap"

	"github.com/klauspost/crc32"
	"github.com/pkg/errors"
)

// Options configures how a Reader opens its source.
type Options struct {
	// IgnoreTrailingMagic accepts files that are missing their trailing magic,
	// such as files whose writer did not finish. Such files have no Summary, so
	// only linear access is available. Linear streams treat a truncated record
	// at the end of the file as a clean end of stream.
	IgnoreTrailingMagic bool

	// AlwaysCopy causes returned records to own their byte fields. If false,
	// payloads read from a memory-mapped or in-memory source alias it, and are
	// only valid while the Reader (or an Iterator over it) is open.
	AlwaysCopy bool

	// DisableMmap prevents Open from memory mapping its file.
	DisableMmap bool

	// Logger, if not nil, is used to log Reader events.
	Logger logging.L
}

// Reader reads a container file.
type Reader struct {
	opts   Options
	logger logging.L
	src    *sharedSource

	header *format.Header
	footer *format.Footer

	// dataEnd is the offset where linear scanning stops.
	dataEnd int64

	summary    *format.Summary
	summaryErr error

	closed    int32
	errMu     sync.Mutex
	lastError string
}

// Open opens the file at path.
//
// Open memory maps the file unless opts.DisableMmap is set. If mapping fails,
// the file is read on demand instead.
func Open(path string, opts *Options) (*Reader, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := logging.Must(opts.Logger)

	if !opts.DisableMmap {
		m, err := mmap.Open(path)
		if err == nil {
			r, err := open(&memorySource{data: m.Bytes(), name: "mmap", closer: m}, opts)
			if err != nil {
				_ = m.Close()
				return nil, err
			}
			return r, nil
		}

		readerMmapFallbacks.Inc()
		logger.Debugf("Could not map %q, reading it instead: %s", path, err)
	}

	fd, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(format.ErrIO, "opening %q: %s", path, err)
	}
	st, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, errors.Wrapf(format.ErrIO, "stat %q: %s", path, err)
	}

	r, err := open(&readerAtSource{r: fd, sz: st.Size(), name: "file", closer: fd}, opts)
	if err != nil {
		_ = fd.Close()
		return nil, err
	}
	return r, nil
}

// OpenReaderAt opens a Reader over the size bytes of ra. The Reader does not
// close ra.
func OpenReaderAt(ra io.ReaderAt, size int64, opts *Options) (*Reader, error) {
	if opts == nil {
		opts = &Options{}
	}
	return open(&readerAtSource{r: ra, sz: size, name: "readerat"}, opts)
}

// OpenBytes opens a Reader over data. Unless opts.AlwaysCopy is set, records
// returned by the Reader alias data, which must not be modified.
func OpenBytes(data []byte, opts *Options) (*Reader, error) {
	if opts == nil {
		opts = &Options{}
	}
	return open(&memorySource{data: data, name: "memory"}, opts)
}

func open(src source, opts *Options) (*Reader, error) {
	r := Reader{
		opts:   *opts,
		logger: logging.Must(opts.Logger),
	}

	if err := r.validate(src); err != nil {
		readerErrors.WithLabelValues("open").Inc()
		return nil, err
	}

	r.src = newSharedSource(src)
	return &r, nil
}

// validate checks src's framing and loads its Header, Footer, and Summary.
func (r *Reader) validate(src source) error {
	magicLen := int64(len(format.Magic))
	size := src.size()

	lead, err := src.slice(0, minInt64(magicLen, size))
	if err != nil {
		return err
	}
	if !bytes.Equal(lead, format.Magic) {
		return errors.Wrapf(format.ErrFormat, "bad leading magic %s", fmtutil.HexSlice(lead))
	}

	op, body, _, err := readRecordAt(src, magicLen, size)
	if err != nil {
		return errors.Wrap(err, "reading header")
	}
	if op != format.OpHeader {
		return errors.Wrapf(format.ErrFormat, "first record is %s, not Header", op)
	}
	rec, err := format.ParseRecord(op, body, true)
	if err != nil {
		return err
	}
	r.header = rec.(*format.Header)

	r.dataEnd = size
	r.summaryErr = errors.Wrap(format.ErrSummaryUnavailable, "file has no footer")

	footerOffset := size - magicLen - format.FooterRecordSize
	if footerOffset >= magicLen {
		trail, err := src.slice(size-magicLen, magicLen)
		if err != nil {
			return err
		}
		if bytes.Equal(trail, format.Magic) {
			return r.loadFooter(src, footerOffset)
		}
	}

	if !r.opts.IgnoreTrailingMagic {
		return errors.Wrap(format.ErrFormat, "missing trailing magic")
	}
	r.logger.Warnf("File has no trailing magic; only linear access is available.")
	return nil
}

func (r *Reader) loadFooter(src source, footerOffset int64) error {
	op, body, _, err := readRecordAt(src, footerOffset, footerOffset+format.FooterRecordSize)
	if err == nil && op != format.OpFooter {
		err = errors.Wrapf(format.ErrFormat, "expected Footer at %d, found %s", footerOffset, op)
	}
	var rec format.Record
	if err == nil {
		rec, err = format.ParseRecord(op, body, true)
	}
	if err != nil {
		if r.opts.IgnoreTrailingMagic {
			r.logger.Warnf("File has an unreadable footer; only linear access is available: %s", err)
			return nil
		}
		return err
	}

	r.footer = rec.(*format.Footer)
	r.dataEnd = footerOffset

	if r.footer.SummaryStart == 0 {
		r.summaryErr = errors.Wrap(format.ErrSummaryUnavailable, "file has no summary")
		return nil
	}

	if r.summary, r.summaryErr = loadSummary(src, r.footer, footerOffset); r.summaryErr != nil {
		readerErrors.WithLabelValues("summary").Inc()
		r.logger.Warnf("Summary is unavailable: %s", r.summaryErr)
		return nil
	}
	r.dataEnd = int64(r.footer.SummaryStart)
	return nil
}

// loadSummary reads the Summary section, which spans from the Footer's
// SummaryStart up to the Footer itself.
func loadSummary(src source, footer *format.Footer, footerOffset int64) (*format.Summary, error) {
	start := int64(footer.SummaryStart)
	if start < int64(len(format.Magic)) || start > footerOffset {
		return nil, errors.Wrapf(format.ErrFormat, "summary offset %d is out of bounds", start)
	}

	if footer.SummaryCRC != 0 {
		covered, err := src.slice(start, footerOffset+format.FooterRecordSize-4-start)
		if err != nil {
			return nil, err
		}
		if crc := crc32.ChecksumIEEE(covered); crc != footer.SummaryCRC {
			return nil, errors.Wrapf(format.ErrChecksum, "summary CRC 0x%08X does not match stored 0x%08X",
				crc, footer.SummaryCRC)
		}
	}

	data, err := src.slice(start, footerOffset-start)
	if err != nil {
		return nil, err
	}

	s := format.NewSummary()
	l := format.NewLexerAt(data, start)
	for {
		op, body, _, err := l.Next()
		switch {
		case err == io.EOF:
			sort.SliceStable(s.ChunkIndexes, func(i, j int) bool {
				return s.ChunkIndexes[i].ChunkStartOffset < s.ChunkIndexes[j].ChunkStartOffset
			})
			for _, ci := range s.ChunkIndexes {
				if end := ci.ChunkStartOffset + ci.ChunkLength; end < ci.ChunkStartOffset || end > uint64(start) {
					return nil, errors.Wrapf(format.ErrFormat, "chunk index at %d overruns the data section",
						ci.ChunkStartOffset)
				}
			}
			return s, nil
		case err != nil:
			return nil, err
		}

		// Summary records are retained, so they never alias the source.
		rec, err := format.ParseRecord(op, body, true)
		if err != nil {
			return nil, err
		}

		switch rec := rec.(type) {
		case *format.Schema:
			s.Schemas[rec.ID] = rec
		case *format.Channel:
			s.Channels[rec.ID] = rec
		case *format.Statistics:
			s.Statistics = rec
		case *format.ChunkIndex:
			s.ChunkIndexes = append(s.ChunkIndexes, rec)
		case *format.AttachmentIndex:
			s.AttachmentIndexes = append(s.AttachmentIndexes, rec)
		case *format.MetadataIndex:
			s.MetadataIndexes = append(s.MetadataIndexes, rec)
		}
	}
}

// readRecordAt reads the record whose opcode is at off. The record must end
// at or before end. It returns the offset of the following record.
func readRecordAt(src source, off, end int64) (op format.Opcode, body []byte, next int64, err error) {
	if end-off < format.RecordPrefixSize {
		return 0, nil, 0, errors.Wrapf(format.ErrFormat, "truncated record at %d", off)
	}

	prefix, err := src.slice(off, format.RecordPrefixSize)
	if err != nil {
		return 0, nil, 0, err
	}
	op, length, err := format.ParseRecordPrefix(prefix)
	if err != nil {
		return 0, nil, 0, err
	}

	bodyStart := off + format.RecordPrefixSize
	if length > uint64(end-bodyStart) {
		return op, nil, 0, errors.Wrapf(format.ErrFormat, "%s record at %d claims %d bytes, %d remain",
			op, off, length, end-bodyStart)
	}

	if body, err = src.slice(bodyStart, int64(length)); err != nil {
		return op, nil, 0, err
	}
	return op, body, bodyStart + int64(length), nil
}

// copyRecords returns true if decoded records must be copied out of source
// memory.
func (r *Reader) copyRecords() bool { return r.opts.AlwaysCopy && r.src.aliases() }

// readRecord reads and decodes the record at off.
func (r *Reader) readRecord(off int64) (format.Record, error) {
	op, body, _, err := readRecordAt(r.src, off, r.src.size())
	if err != nil {
		return nil, err
	}
	return format.ParseRecord(op, body, r.copyRecords())
}

// readChunk decompresses the chunk located by ci.
func (r *Reader) readChunk(ci *format.ChunkIndex) ([]byte, error) {
	start := int64(ci.ChunkStartOffset)
	op, body, _, err := readRecordAt(r.src, start, start+int64(ci.ChunkLength))
	if err != nil {
		return nil, err
	}
	if op != format.OpChunk {
		return nil, errors.Wrapf(format.ErrFormat, "expected Chunk at %d, found %s", start, op)
	}

	rec, err := format.ParseRecord(op, body, false)
	if err != nil {
		return nil, err
	}
	return r.decompress(rec.(*format.Chunk), start)
}

func (r *Reader) decompress(chunk *format.Chunk, offset int64) ([]byte, error) {
	records, err := format.DecompressChunk(chunk)
	if err != nil {
		readerErrors.WithLabelValues("chunk").Inc()
		return nil, errors.Wrapf(err, "chunk at %d", offset)
	}

	comp, _ := format.ParseCompression(chunk.Compression)
	readerChunksDecoded.WithLabelValues(comp.String()).Inc()
	if comp == format.CompressionNone && r.copyRecords() {
		records = append([]byte(nil), records...)
	}
	return records, nil
}

// LastError returns the description of the most recent failed operation, or
// an empty string if no operation has failed.
func (r *Reader) LastError() string {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.lastError
}

func (r *Reader) result(err error) error {
	if err != nil {
		r.errMu.Lock()
		r.lastError = err.Error()
		r.errMu.Unlock()
	}
	return err
}

func (r *Reader) check() error {
	if atomic.LoadInt32(&r.closed) != 0 {
		return errors.Wrap(format.ErrAlreadyClosed, "reader is closed")
	}
	return nil
}

// Close releases the Reader's reference to its source. The source is
// released once every Iterator over it has also been closed.
func (r *Reader) Close() error {
	if !atomic.CompareAndSwapInt32(&r.closed, 0, 1) {
		return r.result(errors.Wrap(format.ErrAlreadyClosed, "reader is closed"))
	}
	return r.result(r.src.release())
}

// Header returns the file's Header record.
func (r *Reader) Header() *format.Header { return r.header }

// Footer returns the file's Footer record. It returns false if the file has
// no Footer.
func (r *Reader) Footer() (*format.Footer, bool) { return r.footer, r.footer != nil }

// Size returns the size of the file in bytes.
func (r *Reader) Size() int64 { return r.src.size() }

// SourceKind names the kind of source backing the Reader: "mmap", "file",
// "readerat", or "memory".
func (r *Reader) SourceKind() string { return r.src.kind() }

// HasSummary returns true if the file has a usable Summary.
func (r *Reader) HasSummary() bool { return r.summary != nil }

// ReadSummary returns the file's Summary.
//
// If the file has no Summary, ReadSummary returns an error wrapping
// format.ErrSummaryUnavailable. If the Summary failed validation, the error
// describes why, for example format.ErrChecksum.
//
// The returned Summary is shared and must not be modified.
func (r *Reader) ReadSummary() (*format.Summary, error) {
	if err := r.check(); err != nil {
		return nil, r.result(err)
	}
	if r.summary == nil {
		return nil, r.result(r.summaryErr)
	}
	return r.summary, nil
}

// requireSummary is used by indexed queries. It fails with
// format.ErrSummaryUnavailable regardless of why the Summary is missing.
func (r *Reader) requireSummary() (*format.Summary, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if r.summary == nil {
		if format.IsKind(r.summaryErr, format.ErrSummaryUnavailable) {
			return nil, r.summaryErr
		}
		return nil, errors.Wrapf(format.ErrSummaryUnavailable, "%s", r.summaryErr)
	}
	return r.summary, nil
}

// Channel returns the channel with the specified ID.
func (r *Reader) Channel(id uint16) (*format.Channel, error) {
	s, err := r.requireSummary()
	if err != nil {
		return nil, r.result(err)
	}
	ch, ok := s.Channels[id]
	if !ok {
		return nil, r.result(errors.Wrapf(format.ErrUnknownChannel, "channel %d", id))
	}
	return ch, nil
}

// Schema returns the schema with the specified ID.
func (r *Reader) Schema(id uint16) (*format.Schema, error) {
	s, err := r.requireSummary()
	if err != nil {
		return nil, r.result(err)
	}
	schema, ok := s.Schemas[id]
	if !ok {
		return nil, r.result(errors.Wrapf(format.ErrUnknownSchema, "schema %d", id))
	}
	return schema, nil
}

// SchemaForChannel returns the schema of the specified channel. It returns
// nil if the channel has no schema.
func (r *Reader) SchemaForChannel(id uint16) (*format.Schema, error) {
	ch, err := r.Channel(id)
	if err != nil {
		return nil, err
	}
	if ch.SchemaID == 0 {
		return nil, nil
	}
	return r.Schema(ch.SchemaID)
}

// ChannelIDs returns the IDs of every channel, in ascending order.
func (r *Reader) ChannelIDs() ([]uint16, error) {
	s, err := r.requireSummary()
	if err != nil {
		return nil, r.result(err)
	}
	return sortedChannelIDs(s), nil
}

func sortedChannelIDs(s *format.Summary) []uint16 {
	ids := make([]uint16, 0, len(s.Channels))
	for id := range s.Channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Topics returns every distinct channel topic, sorted.
func (r *Reader) Topics() ([]string, error) {
	s, err := r.requireSummary()
	if err != nil {
		return nil, r.result(err)
	}

	seen := make(map[string]struct{}, len(s.Channels))
	topics := make([]string, 0, len(s.Channels))
	for _, ch := range s.Channels {
		if _, ok := seen[ch.Topic]; !ok {
			seen[ch.Topic] = struct{}{}
			topics = append(topics, ch.Topic)
		}
	}
	sort.Strings(topics)
	return topics, nil
}

// ChannelsForTopic returns the IDs of every channel with the specified topic,
// in ascending order.
func (r *Reader) ChannelsForTopic(topic string) ([]uint16, error) {
	s, err := r.requireSummary()
	if err != nil {
		return nil, r.result(err)
	}

	var ids []uint16
	for _, id := range sortedChannelIDs(s) {
		if s.Channels[id].Topic == topic {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, r.result(errors.Wrapf(format.ErrUnknownChannel, "no channel has topic %q", topic))
	}
	return ids, nil
}

// ChannelForTopic returns the channel with the specified topic. If several
// channels share the topic, the one with the lowest ID is returned.
func (r *Reader) ChannelForTopic(topic string) (*format.Channel, error) {
	ids, err := r.ChannelsForTopic(topic)
	if err != nil {
		return nil, err
	}
	return r.summary.Channels[ids[0]], nil
}

// ChannelsForSchema returns the channels that use the specified schema, in
// ascending ID order.
func (r *Reader) ChannelsForSchema(id uint16) ([]*format.Channel, error) {
	s, err := r.requireSummary()
	if err != nil {
		return nil, r.result(err)
	}

	var chs []*format.Channel
	for _, cid := range sortedChannelIDs(s) {
		if ch := s.Channels[cid]; ch.SchemaID == id {
			chs = append(chs, ch)
		}
	}
	return chs, nil
}

// ChunkIndexes returns the file's ChunkIndex records in file order.
func (r *Reader) ChunkIndexes() ([]*format.ChunkIndex, error) {
	s, err := r.requireSummary()
	if err != nil {
		return nil, r.result(err)
	}
	return s.ChunkIndexes, nil
}

// AttachmentIndexes returns the file's AttachmentIndex records.
func (r *Reader) AttachmentIndexes() ([]*format.AttachmentIndex, error) {
	s, err := r.requireSummary()
	if err != nil {
		return nil, r.result(err)
	}
	return s.AttachmentIndexes, nil
}

// MetadataIndexes returns the file's MetadataIndex records.
func (r *Reader) MetadataIndexes() ([]*format.MetadataIndex, error) {
	s, err := r.requireSummary()
	if err != nil {
		return nil, r.result(err)
	}
	return s.MetadataIndexes, nil
}

// ReadAttachment reads the attachment located by ai, verifying its CRC.
func (r *Reader) ReadAttachment(ai *format.AttachmentIndex) (*format.Attachment, error) {
	if err := r.check(); err != nil {
		return nil, r.result(err)
	}

	rec, err := r.readRecord(int64(ai.Offset))
	if err != nil {
		return nil, r.result(err)
	}
	a, ok := rec.(*format.Attachment)
	if !ok {
		return nil, r.result(errors.Wrapf(format.ErrFormat, "expected Attachment at %d, found %s", ai.Offset, rec.Opcode()))
	}

	if a.CRC != 0 {
		if crc := format.AttachmentCRC(a); crc != a.CRC {
			readerErrors.WithLabelValues("attachment").Inc()
			return nil, r.result(errors.Wrapf(format.ErrChecksum, "attachment %q CRC 0x%08X does not match stored 0x%08X",
				a.Name, crc, a.CRC))
		}
	}
	return a, nil
}

// Attachments reads every attachment in the file.
func (r *Reader) Attachments() ([]*format.Attachment, error) {
	ais, err := r.AttachmentIndexes()
	if err != nil {
		return nil, err
	}

	atts := make([]*format.Attachment, len(ais))
	for i, ai := range ais {
		if atts[i], err = r.ReadAttachment(ai); err != nil {
			return nil, err
		}
	}
	return atts, nil
}

// ReadMetadata reads the metadata record located by mi.
func (r *Reader) ReadMetadata(mi *format.MetadataIndex) (*format.Metadata, error) {
	if err := r.check(); err != nil {
		return nil, r.result(err)
	}

	rec, err := r.readRecord(int64(mi.Offset))
	if err != nil {
		return nil, r.result(err)
	}
	m, ok := rec.(*format.Metadata)
	if !ok {
		return nil, r.result(errors.Wrapf(format.ErrFormat, "expected Metadata at %d, found %s", mi.Offset, rec.Opcode()))
	}
	return m, nil
}

// MetadataEntries reads every metadata record in the file.
func (r *Reader) MetadataEntries() ([]*format.Metadata, error) {
	mis, err := r.MetadataIndexes()
	if err != nil {
		return nil, err
	}

	mds := make([]*format.Metadata, len(mis))
	for i, mi := range mis {
		if mds[i], err = r.ReadMetadata(mi); err != nil {
			return nil, err
		}
	}
	return mds, nil
}

// FirstMessageTime returns the earliest message log time, or 0 if the file
// has no messages.
func (r *Reader) FirstMessageTime() (uint64, error) {
	first, _, err := r.timeBounds()
	return first, r.result(err)
}

// LastMessageTime returns the latest message log time, or 0 if the file has
// no messages.
func (r *Reader) LastMessageTime() (uint64, error) {
	_, last, err := r.timeBounds()
	return last, r.result(err)
}

// Duration returns the span between the first and last message log times.
func (r *Reader) Duration() (time.Duration, error) {
	first, last, err := r.timeBounds()
	if err != nil {
		return 0, r.result(err)
	}
	return time.Duration(last - first), nil
}

func (r *Reader) timeBounds() (first, last uint64, err error) {
	s, err := r.requireSummary()
	if err != nil {
		return 0, 0, err
	}

	if st := s.Statistics; st != nil {
		return st.MessageStartTime, st.MessageEndTime, nil
	}

	seen := false
	for _, ci := range s.ChunkIndexes {
		start, end, ok, err := r.chunkTimeBounds(ci)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			continue
		}
		if !seen || start < first {
			first = start
		}
		if !seen || end > last {
			last = end
		}
		seen = true
	}
	return first, last, nil
}

// chunkTimeBounds returns the message time bounds of ci. ok is false if the
// chunk holds no messages, in which case its index times are meaningless.
func (r *Reader) chunkTimeBounds(ci *format.ChunkIndex) (start, end uint64, ok bool, err error) {
	if len(ci.MessageIndexOffsets) > 0 {
		return ci.MessageStartTime, ci.MessageEndTime, true, nil
	}
	if ci.MessageIndexLength > 0 {
		return 0, 0, false, nil
	}

	// No message indexes were written, so the chunk itself must be inspected.
	entries, err := r.chunkEntries(ci)
	if err != nil {
		return 0, 0, false, err
	}
	for _, e := range entries {
		if len(e) == 0 {
			continue
		}
		if !ok || e[0].LogTime < start {
			start = e[0].LogTime
		}
		if !ok || e[len(e)-1].LogTime > end {
			end = e[len(e)-1].LogTime
		}
		ok = true
	}
	return start, end, ok, nil
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
