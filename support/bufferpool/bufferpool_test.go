// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package bufferpool

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Pool", func() {
	It("returns reset buffers", func() {
		bp := Pool{InitialSize: 64}

		b := bp.Get()
		Expect(b.Cap()).To(BeNumerically(">=", 64))
		_, _ = b.WriteString("hello")
		b.Release()

		b = bp.Get()
		Expect(b.Len()).To(Equal(0))
		b.Release()
	})

	It("keeps a retained buffer alive until its last release", func() {
		var bp Pool

		b := bp.Get()
		b.Retain()
		_, _ = b.WriteString("data")

		b.Release()
		Expect(b.String()).To(Equal("data"))
		Expect(b.pool).ToNot(BeNil())

		b.Release()
		Expect(b.pool).To(BeNil())
	})
})

func TestBufferPool(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Testing bufferpool")
}
