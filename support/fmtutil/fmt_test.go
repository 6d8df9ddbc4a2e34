// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package fmtutil

import (
	"encoding/hex"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Formatting", func() {
	It("renders a HexSlice", func() {
		Expect(HexSlice{0x89, 0x4D}.String()).To(Equal("[2]byte{0x89, 0x4D}"))
	})

	It("truncates a HexPreview", func() {
		data := []byte("0123456789")
		Expect(HexPreview{Data: data, Limit: 4}.String()).To(Equal(hex.Dump(data[:4]) + "... (6 more bytes)\n"))
		Expect(HexPreview{Data: data}.String()).To(Equal(hex.Dump(data)))
	})
})

func TestFmtUtil(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Testing fmtutil")
}
