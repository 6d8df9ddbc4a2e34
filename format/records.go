// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package format

// Record is a decoded record of any kind.
type Record interface {
	// Opcode returns the record's opcode.
	Opcode() Opcode
}

// Header is the first record of every file.
type Header struct {
	Profile string
	Library string
}

// Footer is the last record of every file. It locates the Summary.
type Footer struct {
	// SummaryStart is the byte offset of the Summary section, or 0 if the file
	// has no Summary.
	SummaryStart uint64
	// SummaryOffsetStart is the byte offset of the first SummaryOffset record,
	// or 0 if there are none.
	SummaryOffsetStart uint64
	// SummaryCRC is the CRC32 of the Summary through the Footer's
	// SummaryOffsetStart field, or 0 if it was not computed.
	SummaryCRC uint32
}

// Schema describes the encoding of a channel's messages.
//
// Schema ID 0 is reserved to mean "no schema".
type Schema struct {
	ID       uint16
	Name     string
	Encoding string
	Data     []byte
}

// Channel is a named stream of messages.
type Channel struct {
	ID              uint16
	SchemaID        uint16
	Topic           string
	MessageEncoding string
	Metadata        map[string]string
}

// Message is a single timestamped payload on a channel.
type Message struct {
	ChannelID   uint16
	Sequence    uint32
	LogTime     uint64
	PublishTime uint64
	Data        []byte
}

// Chunk is a compressed run of Schema, Channel and Message records.
type Chunk struct {
	MessageStartTime uint64
	MessageEndTime   uint64
	UncompressedSize uint64
	// UncompressedCRC is the CRC32 of the uncompressed records, or 0 if it was
	// not computed.
	UncompressedCRC uint32
	// Compression is the wire name of the chunk's codec. The empty string means
	// no compression.
	Compression string
	Records     []byte
}

// MessageIndexEntry locates one message inside an uncompressed chunk.
type MessageIndexEntry struct {
	LogTime uint64
	// Offset is the message record's offset within the chunk's uncompressed
	// records.
	Offset uint64
}

// MessageIndex lists the messages of one channel within the preceding chunk.
type MessageIndex struct {
	ChannelID uint16
	Records   []MessageIndexEntry
}

// ChunkIndex locates a Chunk and its MessageIndex records.
type ChunkIndex struct {
	MessageStartTime    uint64
	MessageEndTime      uint64
	ChunkStartOffset    uint64
	ChunkLength         uint64
	MessageIndexOffsets map[uint16]uint64
	MessageIndexLength  uint64
	Compression         string
	CompressedSize      uint64
	UncompressedSize    uint64
}

// Attachment is an opaque, named blob stored outside of chunks.
type Attachment struct {
	LogTime    uint64
	CreateTime uint64
	Name       string
	MediaType  string
	Data       []byte
	// CRC is the CRC32 of every preceding field in the encoded record, or 0 if
	// it was not computed.
	CRC uint32
}

// AttachmentIndex locates an Attachment record.
type AttachmentIndex struct {
	Offset     uint64
	Length     uint64
	LogTime    uint64
	CreateTime uint64
	DataSize   uint64
	Name       string
	MediaType  string
}

// Statistics summarizes the contents of a file.
type Statistics struct {
	MessageCount         uint64
	SchemaCount          uint16
	ChannelCount         uint32
	AttachmentCount      uint32
	MetadataCount        uint32
	ChunkCount           uint32
	MessageStartTime     uint64
	MessageEndTime       uint64
	ChannelMessageCounts map[uint16]uint64
}

// Metadata is a named string map.
type Metadata struct {
	Name     string
	Metadata map[string]string
}

// MetadataIndex locates a Metadata record.
type MetadataIndex struct {
	Offset uint64
	Length uint64
	Name   string
}

// SummaryOffset locates a group of same-opcode records in the Summary.
type SummaryOffset struct {
	GroupOpcode Opcode
	GroupStart  uint64
	GroupLength uint64
}

// DataEnd closes the data section.
type DataEnd struct {
	// DataSectionCRC is the CRC32 of every byte from the start of the file up to
	// this record, or 0 if it was not computed.
	DataSectionCRC uint32
}

// OpaqueRecord is a record whose opcode the core does not interpret. This
// includes application-defined records and reserved opcodes that this
// version does not know.
type OpaqueRecord struct {
	Op   Opcode
	Data []byte
}

// Opcode implements Record.
func (*Header) Opcode() Opcode { return OpHeader }

// Opcode implements Record.
func (*Footer) Opcode() Opcode { return OpFooter }

// Opcode implements Record.
func (*Schema) Opcode() Opcode { return OpSchema }

// Opcode implements Record.
func (*Channel) Opcode() Opcode { return OpChannel }

// Opcode implements Record.
func (*Message) Opcode() Opcode { return OpMessage }

// Opcode implements Record.
func (*Chunk) Opcode() Opcode { return OpChunk }

// Opcode implements Record.
func (*MessageIndex) Opcode() Opcode { return OpMessageIndex }

// Opcode implements Record.
func (*ChunkIndex) Opcode() Opcode { return OpChunkIndex }

// Opcode implements Record.
func (*Attachment) Opcode() Opcode { return OpAttachment }

// Opcode implements Record.
func (*AttachmentIndex) Opcode() Opcode { return OpAttachmentIndex }

// Opcode implements Record.
func (*Statistics) Opcode() Opcode { return OpStatistics }

// Opcode implements Record.
func (*Metadata) Opcode() Opcode { return OpMetadata }

// Opcode implements Record.
func (*MetadataIndex) Opcode() Opcode { return OpMetadataIndex }

// Opcode implements Record.
func (*SummaryOffset) Opcode() Opcode { return OpSummaryOffset }

// Opcode implements Record.
func (*DataEnd) Opcode() Opcode { return OpDataEnd }

// Opcode implements Record.
func (r *OpaqueRecord) Opcode() Opcode { return r.Op }

// Before returns true if m sorts before o in playback order: by log time,
// then sequence, then channel.
func (m *Message) Before(o *Message) bool {
	switch {
	case m.LogTime != o.LogTime:
		return m.LogTime < o.LogTime
	case m.Sequence != o.Sequence:
		return m.Sequence < o.Sequence
	default:
		return m.ChannelID < o.ChannelID
	}
}

// Summary is the end-of-file index of a finished file.
type Summary struct {
	Schemas  map[uint16]*Schema
	Channels map[uint16]*Channel

	// Statistics is nil if the writer did not emit them.
	Statistics *Statistics

	// ChunkIndexes are ordered by their position in the file.
	ChunkIndexes      []*ChunkIndex
	AttachmentIndexes []*AttachmentIndex
	MetadataIndexes   []*MetadataIndex
}

// NewSummary returns an empty Summary.
func NewSummary() *Summary {
	return &Summary{
		Schemas:  make(map[uint16]*Schema),
		Channels: make(map[uint16]*Channel),
	}
}
