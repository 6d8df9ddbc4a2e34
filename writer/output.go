// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package writer

import (
	"bufio"
	"io"

	"github.com/danjacques/gomcap/support/dataio"

	"github.com/klauspost/crc32"
)

const (
	// Large buffer size (4MB), good for writing the file.
	outputBufferSize = 1024 * 1024 * 4
)

// output is the buffered destination of a Writer. It tracks the number of
// bytes written and a running CRC over them.
type output struct {
	bw     *bufio.Writer
	closer io.Closer

	// pos is the number of bytes written so far.
	pos int64

	// crc is the running CRC32 of every byte since the last resetCRC.
	crc        uint32
	crcEnabled bool
}

var _ dataio.Writer = (*output)(nil)

func newOutput(base io.Writer, closer io.Closer) *output {
	return &output{
		bw:     bufio.NewWriterSize(base, outputBufferSize),
		closer: closer,
	}
}

func (o *output) Write(b []byte) (int, error) {
	n, err := o.bw.Write(b)
	o.update(b[:n])
	return n, err
}

func (o *output) WriteByte(c byte) error {
	if err := o.bw.WriteByte(c); err != nil {
		return err
	}
	d := [1]byte{c}
	o.update(d[:])
	return nil
}

func (o *output) update(b []byte) {
	o.pos += int64(len(b))
	if o.crcEnabled {
		o.crc = crc32.Update(o.crc, crc32.IEEETable, b)
	}
}

// resetCRC restarts the running CRC at the current position.
func (o *output) resetCRC(enabled bool) {
	o.crc = 0
	o.crcEnabled = enabled
}

func (o *output) flush() error { return o.bw.Flush() }

// Close flushes buffered data and closes the destination, if owned.
func (o *output) Close() (err error) {
	// Always close our underlying base, if we have one.
	if o.closer != nil {
		defer func() {
			closeErr := o.closer.Close()
			if err == nil {
				err = closeErr
			}
		}()
	}

	err = o.bw.Flush()
	return
}
