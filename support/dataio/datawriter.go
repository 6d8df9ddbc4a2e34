// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package dataio

import (
	"encoding/binary"
	"io"
)

// Writer represents a Writer that can write both individual bytes and
// sequences of bytes.
type Writer interface {
	io.Writer
	io.ByteWriter
}

// MakeWriter returns a Writer for the specified Writer.
func MakeWriter(w io.Writer) Writer {
	if dr, ok := w.(Writer); ok {
		return dr
	}
	return &simulatedWriter{w}
}

type simulatedWriter struct {
	io.Writer
}

func (w *simulatedWriter) WriteByte(c byte) error {
	d := [1]byte{c}
	switch amt, err := w.Write(d[:]); {
	case err != nil:
		return err
	case amt != 1:
		panic("invalid Writer implementation")
	default:
		return nil
	}
}

// WriteUint16 writes v in little-endian order.
func WriteUint16(w Writer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return writeAll(w, b[:])
}

// WriteUint32 writes v in little-endian order.
func WriteUint32(w Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return writeAll(w, b[:])
}

// WriteUint64 writes v in little-endian order.
func WriteUint64(w Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return writeAll(w, b[:])
}

// WritePrefixedString writes s preceded by its uint32 byte length.
func WritePrefixedString(w Writer, s string) error {
	if err := WriteUint32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// WritePrefixedBytes32 writes b preceded by its uint32 length.
func WritePrefixedBytes32(w Writer, b []byte) error {
	if err := WriteUint32(w, uint32(len(b))); err != nil {
		return err
	}
	return writeAll(w, b)
}

// WritePrefixedBytes64 writes b preceded by its uint64 length.
func WritePrefixedBytes64(w Writer, b []byte) error {
	if err := WriteUint64(w, uint64(len(b))); err != nil {
		return err
	}
	return writeAll(w, b)
}

func writeAll(w Writer, b []byte) error {
	amt, err := w.Write(b)
	if err == nil && amt != len(b) {
		err = io.ErrShortWrite
	}
	return err
}
