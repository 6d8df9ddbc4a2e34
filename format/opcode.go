// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package format

import (
	"fmt"
)

// Magic is the marker that opens and closes every file.
var Magic = []byte{0x89, 'M', 'C', 'A', 'P', '0', '\r', '\n'}

// Opcode identifies a record kind.
type Opcode uint8

// Record opcodes.
const (
	OpHeader          Opcode = 0x01
	OpFooter          Opcode = 0x02
	OpSchema          Opcode = 0x03
	OpChannel         Opcode = 0x04
	OpMessage         Opcode = 0x05
	OpChunk           Opcode = 0x06
	OpMessageIndex    Opcode = 0x07
	OpChunkIndex      Opcode = 0x08
	OpAttachment      Opcode = 0x09
	OpAttachmentIndex Opcode = 0x0A
	OpStatistics      Opcode = 0x0B
	OpMetadata        Opcode = 0x0C
	OpMetadataIndex   Opcode = 0x0D
	OpSummaryOffset   Opcode = 0x0E
	OpDataEnd         Opcode = 0x0F

	// OpApplicationMin is the lowest opcode available to application-defined
	// records. Every opcode below it is reserved.
	OpApplicationMin Opcode = 0x80
)

const (
	// RecordPrefixSize is the size of a record's opcode and length.
	RecordPrefixSize = 1 + 8

	// footerBodySize is the size of a Footer record body.
	footerBodySize = 8 + 8 + 4

	// FooterRecordSize is the size of a complete Footer record.
	FooterRecordSize = RecordPrefixSize + footerBodySize
)

var opcodeNames = map[Opcode]string{
	OpHeader:          "Header",
	OpFooter:          "Footer",
	OpSchema:          "Schema",
	OpChannel:         "Channel",
	OpMessage:         "Message",
	OpChunk:           "Chunk",
	OpMessageIndex:    "MessageIndex",
	OpChunkIndex:      "ChunkIndex",
	OpAttachment:      "Attachment",
	OpAttachmentIndex: "AttachmentIndex",
	OpStatistics:      "Statistics",
	OpMetadata:        "Metadata",
	OpMetadataIndex:   "MetadataIndex",
	OpSummaryOffset:   "SummaryOffset",
	OpDataEnd:         "DataEnd",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(0x%02X)", uint8(op))
}

// IsApplication returns true if op is in the application-defined range.
func (op Opcode) IsApplication() bool { return op >= OpApplicationMin }
