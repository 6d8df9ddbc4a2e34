// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package format

import (
	"bytes"
	"io"

	"github.com/danjacques/gomcap/support/byteslicereader"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// ParseRecord decodes the body of a record with opcode op.
//
// Unless alwaysCopy is true, byte fields of the returned record (message
// data, chunk records, schema data) alias body.
//
// Opcodes that the core does not interpret are returned as *OpaqueRecord.
func ParseRecord(op Opcode, body []byte, alwaysCopy bool) (Record, error) {
	r := byteslicereader.R{Buffer: body, AlwaysCopy: alwaysCopy}
	rec, err := parseBody(op, &r)
	if err != nil {
		return nil, errors.Wrapf(ErrFormat, "decoding %s: %s", op, err)
	}
	return rec, nil
}

func parseBody(op Opcode, r *byteslicereader.R) (rec Record, err error) {
	var d decoder
	d.r = r

	switch op {
	case OpHeader:
		rec = &Header{
			Profile: d.str(),
			Library: d.str(),
		}

	case OpFooter:
		var fl footerLayout
		if r.Remaining() < footerBodySize {
			return nil, io.ErrUnexpectedEOF
		}
		if err := struc.Unpack(bytes.NewReader(r.Rest()), &fl); err != nil {
			return nil, err
		}
		rec = &Footer{
			SummaryStart:       fl.SummaryStart,
			SummaryOffsetStart: fl.SummaryOffsetStart,
			SummaryCRC:         fl.SummaryCRC,
		}

	case OpSchema:
		rec = &Schema{
			ID:       d.u16(),
			Name:     d.str(),
			Encoding: d.str(),
			Data:     d.bytes32(),
		}

	case OpChannel:
		rec = &Channel{
			ID:              d.u16(),
			SchemaID:        d.u16(),
			Topic:           d.str(),
			MessageEncoding: d.str(),
			Metadata:        d.stringMap(),
		}

	case OpMessage:
		rec = &Message{
			ChannelID:   d.u16(),
			Sequence:    d.u32(),
			LogTime:     d.u64(),
			PublishTime: d.u64(),
		}
		if d.err == nil {
			rec.(*Message).Data = r.Rest()
		}

	case OpChunk:
		rec = &Chunk{
			MessageStartTime: d.u64(),
			MessageEndTime:   d.u64(),
			UncompressedSize: d.u64(),
			UncompressedCRC:  d.u32(),
			Compression:      d.str(),
			Records:          d.bytes64(),
		}

	case OpMessageIndex:
		mi := MessageIndex{ChannelID: d.u16()}
		d.array(16, func(sub *decoder) {
			mi.Records = append(mi.Records, MessageIndexEntry{
				LogTime: sub.u64(),
				Offset:  sub.u64(),
			})
		})
		rec = &mi

	case OpChunkIndex:
		rec = &ChunkIndex{
			MessageStartTime:    d.u64(),
			MessageEndTime:      d.u64(),
			ChunkStartOffset:    d.u64(),
			ChunkLength:         d.u64(),
			MessageIndexOffsets: d.uint16Uint64Map(),
			MessageIndexLength:  d.u64(),
			Compression:         d.str(),
			CompressedSize:      d.u64(),
			UncompressedSize:    d.u64(),
		}

	case OpAttachment:
		rec = &Attachment{
			LogTime:    d.u64(),
			CreateTime: d.u64(),
			Name:       d.str(),
			MediaType:  d.str(),
			Data:       d.bytes64(),
			CRC:        d.u32(),
		}

	case OpAttachmentIndex:
		rec = &AttachmentIndex{
			Offset:     d.u64(),
			Length:     d.u64(),
			LogTime:    d.u64(),
			CreateTime: d.u64(),
			DataSize:   d.u64(),
			Name:       d.str(),
			MediaType:  d.str(),
		}

	case OpStatistics:
		rec = &Statistics{
			MessageCount:         d.u64(),
			SchemaCount:          d.u16(),
			ChannelCount:         d.u32(),
			AttachmentCount:      d.u32(),
			MetadataCount:        d.u32(),
			ChunkCount:           d.u32(),
			MessageStartTime:     d.u64(),
			MessageEndTime:       d.u64(),
			ChannelMessageCounts: d.uint16Uint64Map(),
		}

	case OpMetadata:
		rec = &Metadata{
			Name:     d.str(),
			Metadata: d.stringMap(),
		}

	case OpMetadataIndex:
		rec = &MetadataIndex{
			Offset: d.u64(),
			Length: d.u64(),
			Name:   d.str(),
		}

	case OpSummaryOffset:
		rec = &SummaryOffset{
			GroupOpcode: Opcode(d.u8()),
			GroupStart:  d.u64(),
			GroupLength: d.u64(),
		}

	case OpDataEnd:
		rec = &DataEnd{DataSectionCRC: d.u32()}

	default:
		rec = &OpaqueRecord{Op: op, Data: r.Rest()}
	}

	if d.err != nil {
		return nil, d.err
	}
	return rec, nil
}

// decoder reads successive fields from r, remembering the first error. Once
// an error occurs, every further read returns a zero value.
type decoder struct {
	r   *byteslicereader.R
	err error
}

func (d *decoder) u8() (v uint8) {
	if d.err == nil {
		v, d.err = d.r.Uint8()
	}
	return
}

func (d *decoder) u16() (v uint16) {
	if d.err == nil {
		v, d.err = d.r.Uint16()
	}
	return
}

func (d *decoder) u32() (v uint32) {
	if d.err == nil {
		v, d.err = d.r.Uint32()
	}
	return
}

func (d *decoder) u64() (v uint64) {
	if d.err == nil {
		v, d.err = d.r.Uint64()
	}
	return
}

func (d *decoder) str() (v string) {
	if d.err == nil {
		v, d.err = d.r.PrefixedString()
	}
	return
}

func (d *decoder) bytes32() (v []byte) {
	if d.err == nil {
		v, d.err = d.r.PrefixedBytes32()
	}
	return
}

func (d *decoder) bytes64() (v []byte) {
	if d.err == nil {
		v, d.err = d.r.PrefixedBytes64()
	}
	return
}

// array reads a uint32 byte-length prefixed array of entries, each at least
// minEntry bytes, calling fn to decode each.
func (d *decoder) array(minEntry int, fn func(sub *decoder)) {
	n := d.u32()
	if d.err != nil {
		return
	}

	sr, err := d.r.Sub(uint64(n))
	if err != nil {
		d.err = errors.Wrap(err, "array length")
		return
	}

	sub := decoder{r: &sr}
	for sub.err == nil && sr.Remaining() > 0 {
		if sr.Remaining() < minEntry {
			sub.err = errors.Errorf("%d trailing bytes in array", sr.Remaining())
			break
		}
		fn(&sub)
	}
	d.err = sub.err
}

func (d *decoder) stringMap() map[string]string {
	m := make(map[string]string)
	d.array(8, func(sub *decoder) {
		k, v := sub.str(), sub.str()
		if sub.err == nil {
			m[k] = v
		}
	})
	return m
}

func (d *decoder) uint16Uint64Map() map[uint16]uint64 {
	m := make(map[uint16]uint64)
	d.array(10, func(sub *decoder) {
		k, v := sub.u16(), sub.u64()
		if sub.err == nil {
			m[k] = v
		}
	})
	return m
}

// ParseRecordPrefix decodes the opcode and body length at the start of b.
func ParseRecordPrefix(b []byte) (Opcode, uint64, error) {
	if len(b) < RecordPrefixSize {
		return 0, 0, errors.Wrapf(ErrFormat, "record prefix needs %d bytes, have %d", RecordPrefixSize, len(b))
	}

	var p recordPrefix
	if err := struc.Unpack(bytes.NewReader(b[:RecordPrefixSize]), &p); err != nil {
		return 0, 0, errors.Wrapf(ErrFormat, "decoding record prefix: %s", err)
	}
	return Opcode(p.Opcode), p.Length, nil
}

// Lexer splits a buffer of concatenated records, such as a data section or a
// chunk's uncompressed records, into opcodes and bodies.
type Lexer struct {
	r    byteslicereader.R
	base int64
}

// NewLexer returns a Lexer over buf. Offsets that it reports are relative to
// the start of buf.
func NewLexer(buf []byte) *Lexer {
	return &Lexer{r: byteslicereader.R{Buffer: buf}}
}

// NewLexerAt returns a Lexer over buf whose reported offsets begin at base.
func NewLexerAt(buf []byte, base int64) *Lexer {
	return &Lexer{r: byteslicereader.R{Buffer: buf}, base: base}
}

// Next returns the next record's opcode and body, and the offset of its
// opcode byte. The body aliases the Lexer's buffer.
//
// Next returns io.EOF when the buffer is exhausted. If the buffer ends within
// a record, Next returns an error wrapping ErrFormat and further calls return
// io.EOF.
func (l *Lexer) Next() (op Opcode, body []byte, offset int64, err error) {
	remaining := l.r.Remaining()
	if remaining == 0 {
		return 0, nil, 0, io.EOF
	}

	offset = l.base + l.r.Offset()
	if remaining < RecordPrefixSize {
		l.r.Rest()
		return 0, nil, offset, errors.Wrapf(ErrFormat, "%d trailing bytes at offset %d", remaining, offset)
	}

	b, _ := l.r.Uint8()
	length, _ := l.r.Uint64()
	op = Opcode(b)
	if avail := l.r.Remaining(); length > uint64(avail) {
		l.r.Rest()
		return op, nil, offset, errors.Wrapf(ErrFormat, "%s record at offset %d claims %d bytes, %d remain",
			op, offset, length, avail)
	}

	body, _ = l.r.Next(int(length))
	return op, body, offset, nil
}

// Offset returns the offset of the next record.
func (l *Lexer) Offset() int64 { return l.base + l.r.Offset() }
