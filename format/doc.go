// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package format defines the records and binary layout of an MCAP log
// container, along with its record codec and chunk compression.
//
// A file is a leading Magic marker, a sequence of self-delimiting records,
// and a trailing Magic marker. Each record is a one-byte Opcode, a uint64
// little-endian body length, and the body itself. Strings are prefixed by a
// uint32 byte length, and maps by a uint32 byte length of their encoded
// entries.
//
// The data section holds a Header, followed by Chunks (each followed by its
// MessageIndex records), top-level Attachment, Metadata and application
// records, and a closing DataEnd. An optional Summary section repeats the
// Schemas and Channels and indexes every Chunk, Attachment and Metadata
// record. The Footer locates the Summary.
//
// All timestamps are uint64 nanoseconds.
package format
