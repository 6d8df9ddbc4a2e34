// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package reader

import (
	"io"

	"github.com/danjacques/gomcap/format"

	"github.com/pkg/errors"
)

// RecordStream reads every record of a file's data section in file order.
//
// Each Chunk record is followed by the records that it contains. A chunk that
// fails to decompress or verify produces a single error from Next, after which
// the stream resumes with the record that follows the chunk.
//
// RecordStream does not require a Summary.
type RecordStream struct {
	r *Reader

	off  int64
	end  int64
	done bool

	// chunk lexes the contents of the most recent Chunk record.
	chunk *format.Lexer
	// inChunk is true if the last record returned came from a chunk.
	inChunk bool
}

// StreamRecords returns a RecordStream positioned after the file's Header.
func (r *Reader) StreamRecords() *RecordStream {
	rs := RecordStream{
		r:   r,
		off: int64(len(format.Magic)),
		end: r.dataEnd,
	}

	// Skip the Header, which Open has already validated.
	if _, _, next, err := readRecordAt(r.src, rs.off, rs.end); err == nil {
		rs.off = next
	}
	return &rs
}

// Next returns the next record. It returns io.EOF at the end of the data
// section.
func (rs *RecordStream) Next() (format.Record, error) {
	if err := rs.r.check(); err != nil {
		return nil, err
	}

	rs.inChunk = false
	for rs.chunk != nil {
		op, body, _, err := rs.chunk.Next()
		switch {
		case err == io.EOF:
			rs.chunk = nil
			continue
		case err != nil:
			// The rest of this chunk is unreadable; resume after it.
			rs.chunk = nil
			return nil, rs.r.result(err)
		}

		rec, err := format.ParseRecord(op, body, rs.r.copyRecords())
		if err != nil {
			readerErrors.WithLabelValues("record").Inc()
			return nil, rs.r.result(err)
		}
		rs.inChunk = true
		return rec, nil
	}

	if rs.done || rs.off >= rs.end {
		rs.done = true
		return nil, io.EOF
	}

	start := rs.off
	op, body, next, err := readRecordAt(rs.r.src, start, rs.end)
	if err != nil {
		// Without a valid length there is no next record boundary.
		rs.done = true
		if rs.r.opts.IgnoreTrailingMagic && format.IsKind(err, format.ErrFormat) {
			rs.r.logger.Infof("Data section ends with a truncated record at %d.", start)
			return nil, io.EOF
		}
		readerErrors.WithLabelValues("record").Inc()
		return nil, rs.r.result(err)
	}
	rs.off = next

	rec, err := format.ParseRecord(op, body, rs.r.copyRecords())
	if err != nil {
		readerErrors.WithLabelValues("record").Inc()
		return nil, rs.r.result(errors.Wrapf(err, "record at %d", start))
	}

	switch rec := rec.(type) {
	case *format.DataEnd:
		rs.done = true

	case *format.Footer:
		rs.done = true
		return nil, io.EOF

	case *format.Chunk:
		records, err := rs.r.decompress(rec, start)
		if err != nil {
			return nil, rs.r.result(err)
		}
		rs.chunk = format.NewLexer(records)
	}
	return rec, nil
}

// InChunk returns true if the record most recently returned by Next was read
// from inside a Chunk.
func (rs *RecordStream) InChunk() bool { return rs.inChunk }

// MessageStream reads every message of a file's data section in file order.
//
// Errors are scoped as they are for RecordStream.
type MessageStream struct {
	rs *RecordStream
}

// StreamMessages returns a MessageStream over the file's data section.
func (r *Reader) StreamMessages() *MessageStream {
	return &MessageStream{rs: r.StreamRecords()}
}

// Next returns the next message. It returns io.EOF at the end of the data
// section.
func (ms *MessageStream) Next() (*format.Message, error) {
	for {
		rec, err := ms.rs.Next()
		if err != nil {
			return nil, err
		}
		if m, ok := rec.(*format.Message); ok {
			return m, nil
		}
	}
}

// All reads the remainder of the stream. It stops at the first error.
func (ms *MessageStream) All() ([]*format.Message, error) {
	var msgs []*format.Message
	for {
		m, err := ms.Next()
		switch {
		case err == io.EOF:
			return msgs, nil
		case err != nil:
			return msgs, err
		}
		msgs = append(msgs, m)
	}
}
