// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package format

import (
	"io"
	"sort"

	"github.com/danjacques/gomcap/support/dataio"

	"github.com/klauspost/crc32"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// recordPrefix precedes every record body.
type recordPrefix struct {
	Opcode uint8
	Length uint64 `struc:",little"`
}

type messageHeader struct {
	ChannelID   uint16 `struc:",little"`
	Sequence    uint32 `struc:",little"`
	LogTime     uint64 `struc:",little"`
	PublishTime uint64 `struc:",little"`
}

// messageHeaderSize is the encoded size of messageHeader.
const messageHeaderSize = 2 + 4 + 8 + 8

type chunkHeader struct {
	MessageStartTime uint64 `struc:",little"`
	MessageEndTime   uint64 `struc:",little"`
	UncompressedSize uint64 `struc:",little"`
	UncompressedCRC  uint32 `struc:",little"`
}

type footerLayout struct {
	SummaryStart       uint64 `struc:",little"`
	SummaryOffsetStart uint64 `struc:",little"`
	SummaryCRC         uint32 `struc:",little"`
}

type summaryOffsetLayout struct {
	GroupOpcode uint8
	GroupStart  uint64 `struc:",little"`
	GroupLength uint64 `struc:",little"`
}

// WriteRecord writes rec, framed by its opcode and length, to w. It returns
// the number of bytes written.
func WriteRecord(w io.Writer, rec Record) (int64, error) {
	if op := rec.Opcode(); op == 0 {
		return 0, errors.Wrap(ErrFormat, "opcode 0 is not a valid record opcode")
	}

	dw := dataio.MakeWriter(w)
	size := bodySize(rec)
	if err := struc.Pack(dw, &recordPrefix{Opcode: uint8(rec.Opcode()), Length: size}); err != nil {
		return 0, err
	}
	if err := encodeBody(dw, rec); err != nil {
		return 0, err
	}
	return RecordPrefixSize + int64(size), nil
}

// RecordSize returns the number of bytes that WriteRecord will write for rec.
func RecordSize(rec Record) int64 { return RecordPrefixSize + int64(bodySize(rec)) }

// AttachmentCRC computes the CRC stored in a's record: the CRC32 of every
// encoded field that precedes the CRC itself.
func AttachmentCRC(a *Attachment) uint32 {
	h := crc32.NewIEEE()
	// Writes to a hash never fail.
	_ = encodeAttachmentFields(dataio.MakeWriter(h), a)
	return h.Sum32()
}

func stringSize(s string) uint64 { return 4 + uint64(len(s)) }

func stringMapSize(m map[string]string) uint64 {
	size := uint64(4)
	for k, v := range m {
		size += stringSize(k) + stringSize(v)
	}
	return size
}

func bodySize(rec Record) uint64 {
	switch r := rec.(type) {
	case *Header:
		return stringSize(r.Profile) + stringSize(r.Library)
	case *Footer:
		return footerBodySize
	case *Schema:
		return 2 + stringSize(r.Name) + stringSize(r.Encoding) + 4 + uint64(len(r.Data))
	case *Channel:
		return 2 + 2 + stringSize(r.Topic) + stringSize(r.MessageEncoding) + stringMapSize(r.Metadata)
	case *Message:
		return messageHeaderSize + uint64(len(r.Data))
	case *Chunk:
		return 8 + 8 + 8 + 4 + stringSize(r.Compression) + 8 + uint64(len(r.Records))
	case *MessageIndex:
		return 2 + 4 + 16*uint64(len(r.Records))
	case *ChunkIndex:
		return 8 + 8 + 8 + 8 + 4 + 10*uint64(len(r.MessageIndexOffsets)) + 8 + stringSize(r.Compression) + 8 + 8
	case *Attachment:
		return 8 + 8 + stringSize(r.Name) + stringSize(r.MediaType) + 8 + uint64(len(r.Data)) + 4
	case *AttachmentIndex:
		return 8*5 + stringSize(r.Name) + stringSize(r.MediaType)
	case *Statistics:
		return 8 + 2 + 4 + 4 + 4 + 4 + 8 + 8 + 4 + 10*uint64(len(r.ChannelMessageCounts))
	case *Metadata:
		return stringSize(r.Name) + stringMapSize(r.Metadata)
	case *MetadataIndex:
		return 8 + 8 + stringSize(r.Name)
	case *SummaryOffset:
		return 1 + 8 + 8
	case *DataEnd:
		return 4
	case *OpaqueRecord:
		return uint64(len(r.Data))
	default:
		panic(errors.Errorf("unknown record type %T", rec))
	}
}

func encodeBody(w dataio.Writer, rec Record) error {
	switch r := rec.(type) {
	case *Header:
		return firstErr(
			dataio.WritePrefixedString(w, r.Profile),
			dataio.WritePrefixedString(w, r.Library))

	case *Footer:
		return struc.Pack(w, &footerLayout{
			SummaryStart:       r.SummaryStart,
			SummaryOffsetStart: r.SummaryOffsetStart,
			SummaryCRC:         r.SummaryCRC,
		})

	case *Schema:
		return firstErr(
			dataio.WriteUint16(w, r.ID),
			dataio.WritePrefixedString(w, r.Name),
			dataio.WritePrefixedString(w, r.Encoding),
			dataio.WritePrefixedBytes32(w, r.Data))

	case *Channel:
		return firstErr(
			dataio.WriteUint16(w, r.ID),
			dataio.WriteUint16(w, r.SchemaID),
			dataio.WritePrefixedString(w, r.Topic),
			dataio.WritePrefixedString(w, r.MessageEncoding),
			writeStringMap(w, r.Metadata))

	case *Message:
		if err := struc.Pack(w, &messageHeader{
			ChannelID:   r.ChannelID,
			Sequence:    r.Sequence,
			LogTime:     r.LogTime,
			PublishTime: r.PublishTime,
		}); err != nil {
			return err
		}
		_, err := w.Write(r.Data)
		return err

	case *Chunk:
		if err := struc.Pack(w, &chunkHeader{
			MessageStartTime: r.MessageStartTime,
			MessageEndTime:   r.MessageEndTime,
			UncompressedSize: r.UncompressedSize,
			UncompressedCRC:  r.UncompressedCRC,
		}); err != nil {
			return err
		}
		return firstErr(
			dataio.WritePrefixedString(w, r.Compression),
			dataio.WritePrefixedBytes64(w, r.Records))

	case *MessageIndex:
		if err := dataio.WriteUint16(w, r.ChannelID); err != nil {
			return err
		}
		if err := dataio.WriteUint32(w, uint32(16*len(r.Records))); err != nil {
			return err
		}
		for _, e := range r.Records {
			if err := firstErr(dataio.WriteUint64(w, e.LogTime), dataio.WriteUint64(w, e.Offset)); err != nil {
				return err
			}
		}
		return nil

	case *ChunkIndex:
		return firstErr(
			dataio.WriteUint64(w, r.MessageStartTime),
			dataio.WriteUint64(w, r.MessageEndTime),
			dataio.WriteUint64(w, r.ChunkStartOffset),
			dataio.WriteUint64(w, r.ChunkLength),
			writeUint16Uint64Map(w, r.MessageIndexOffsets),
			dataio.WriteUint64(w, r.MessageIndexLength),
			dataio.WritePrefixedString(w, r.Compression),
			dataio.WriteUint64(w, r.CompressedSize),
			dataio.WriteUint64(w, r.UncompressedSize))

	case *Attachment:
		if err := encodeAttachmentFields(w, r); err != nil {
			return err
		}
		return dataio.WriteUint32(w, r.CRC)

	case *AttachmentIndex:
		return firstErr(
			dataio.WriteUint64(w, r.Offset),
			dataio.WriteUint64(w, r.Length),
			dataio.WriteUint64(w, r.LogTime),
			dataio.WriteUint64(w, r.CreateTime),
			dataio.WriteUint64(w, r.DataSize),
			dataio.WritePrefixedString(w, r.Name),
			dataio.WritePrefixedString(w, r.MediaType))

	case *Statistics:
		return firstErr(
			dataio.WriteUint64(w, r.MessageCount),
			dataio.WriteUint16(w, r.SchemaCount),
			dataio.WriteUint32(w, r.ChannelCount),
			dataio.WriteUint32(w, r.AttachmentCount),
			dataio.WriteUint32(w, r.MetadataCount),
			dataio.WriteUint32(w, r.ChunkCount),
			dataio.WriteUint64(w, r.MessageStartTime),
			dataio.WriteUint64(w, r.MessageEndTime),
			writeUint16Uint64Map(w, r.ChannelMessageCounts))

	case *Metadata:
		return firstErr(
			dataio.WritePrefixedString(w, r.Name),
			writeStringMap(w, r.Metadata))

	case *MetadataIndex:
		return firstErr(
			dataio.WriteUint64(w, r.Offset),
			dataio.WriteUint64(w, r.Length),
			dataio.WritePrefixedString(w, r.Name))

	case *SummaryOffset:
		return struc.Pack(w, &summaryOffsetLayout{
			GroupOpcode: uint8(r.GroupOpcode),
			GroupStart:  r.GroupStart,
			GroupLength: r.GroupLength,
		})

	case *DataEnd:
		return dataio.WriteUint32(w, r.DataSectionCRC)

	case *OpaqueRecord:
		_, err := w.Write(r.Data)
		return err

	default:
		return errors.Errorf("unknown record type %T", rec)
	}
}

func encodeAttachmentFields(w dataio.Writer, a *Attachment) error {
	return firstErr(
		dataio.WriteUint64(w, a.LogTime),
		dataio.WriteUint64(w, a.CreateTime),
		dataio.WritePrefixedString(w, a.Name),
		dataio.WritePrefixedString(w, a.MediaType),
		dataio.WritePrefixedBytes64(w, a.Data))
}

// writeStringMap writes m with its keys in sorted order, so that encoding is
// deterministic.
func writeStringMap(w dataio.Writer, m map[string]string) error {
	if err := dataio.WriteUint32(w, uint32(stringMapSize(m)-4)); err != nil {
		return err
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := firstErr(dataio.WritePrefixedString(w, k), dataio.WritePrefixedString(w, m[k])); err != nil {
			return err
		}
	}
	return nil
}

func writeUint16Uint64Map(w dataio.Writer, m map[uint16]uint64) error {
	if err := dataio.WriteUint32(w, uint32(10*len(m))); err != nil {
		return err
	}

	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)

	for _, k := range keys {
		if err := firstErr(dataio.WriteUint16(w, uint16(k)), dataio.WriteUint64(w, m[uint16(k)])); err != nil {
			return err
		}
	}
	return nil
}

// firstErr returns the first non-nil error. Its arguments are evaluated
// eagerly, so it is only used for writers that keep failing once they fail.
func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
