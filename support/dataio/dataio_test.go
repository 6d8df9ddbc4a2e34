// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package dataio

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// plainWriter hides bytes.Buffer's WriteByte method.
type plainWriter struct {
	buf bytes.Buffer
}

func (pw *plainWriter) Write(b []byte) (int, error) { return pw.buf.Write(b) }

var _ = Describe("Writer", func() {
	It("simulates WriteByte for plain writers", func() {
		var pw plainWriter
		w := MakeWriter(&pw)

		Expect(w.WriteByte(0x42)).To(Succeed())
		Expect(pw.buf.Bytes()).To(Equal([]byte{0x42}))
	})

	It("encodes little-endian fields", func() {
		var buf bytes.Buffer

		Expect(WriteUint16(&buf, 0x0102)).To(Succeed())
		Expect(WriteUint32(&buf, 0x03040506)).To(Succeed())
		Expect(WriteUint64(&buf, 7)).To(Succeed())
		Expect(WritePrefixedString(&buf, "ab")).To(Succeed())
		Expect(WritePrefixedBytes64(&buf, []byte{9})).To(Succeed())

		Expect(buf.Bytes()).To(Equal([]byte{
			0x02, 0x01,
			0x06, 0x05, 0x04, 0x03,
			7, 0, 0, 0, 0, 0, 0, 0,
			2, 0, 0, 0, 'a', 'b',
			1, 0, 0, 0, 0, 0, 0, 0, 9,
		}))
	})
})

var _ = Describe("ReadFull", func() {
	It("fills the buffer across short reads", func() {
		r := iotest.OneByteReader(bytes.NewReader([]byte{1, 2, 3}))

		buf := make([]byte, 3)
		Expect(ReadFull(r, buf)).To(Succeed())
		Expect(buf).To(Equal([]byte{1, 2, 3}))
	})

	It("reports a premature EOF", func() {
		buf := make([]byte, 4)
		Expect(ReadFull(bytes.NewReader([]byte{1}), buf)).To(Equal(io.ErrUnexpectedEOF))
	})
})

func TestDataIO(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Testing dataio")
}
