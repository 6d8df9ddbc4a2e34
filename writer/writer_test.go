// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package writer

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/danjacques/gomcap/format"

	"github.com/klauspost/crc32"
	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
)

type lexedRecord struct {
	offset int64
	rec    format.Record
}

// lexFile splits a finished file into its records.
func lexFile(data []byte) []lexedRecord {
	magicLen := len(format.Magic)
	Expect(data[:magicLen]).To(Equal(format.Magic))
	Expect(data[len(data)-magicLen:]).To(Equal(format.Magic))

	var recs []lexedRecord
	l := format.NewLexerAt(data[magicLen:len(data)-magicLen], int64(magicLen))
	for {
		op, body, offset, err := l.Next()
		if err == io.EOF {
			return recs
		}
		Expect(err).ToNot(HaveOccurred())

		rec, err := format.ParseRecord(op, body, true)
		Expect(err).ToNot(HaveOccurred())
		recs = append(recs, lexedRecord{offset, rec})
	}
}

func opcodes(recs []lexedRecord) []format.Opcode {
	ops := make([]format.Opcode, len(recs))
	for i, r := range recs {
		ops[i] = r.rec.Opcode()
	}
	return ops
}

func countOpcode(recs []lexedRecord, op format.Opcode) int {
	count := 0
	for _, r := range recs {
		if r.rec.Opcode() == op {
			count++
		}
	}
	return count
}

// failingWriter fails every write after limit bytes.
type failingWriter struct {
	limit int
	buf   bytes.Buffer
}

func (fw *failingWriter) Write(b []byte) (int, error) {
	if fw.buf.Len()+len(b) > fw.limit {
		return 0, errors.New("disk full")
	}
	return fw.buf.Write(b)
}

var _ = Describe("Writer", func() {
	var buf bytes.Buffer
	var cfg Config
	var w *Writer

	BeforeEach(func() {
		buf.Reset()
		cfg = Config{Profile: "test"}
	})

	newWriter := func() *Writer {
		var err error
		w, err = cfg.NewWriter(&buf)
		Expect(err).ToNot(HaveOccurred())
		return w
	}

	Context("file layout", func() {
		It("writes an empty file with a header, data end, and footer", func() {
			newWriter()
			Expect(w.Close()).To(Succeed())

			recs := lexFile(buf.Bytes())
			Expect(opcodes(recs)).To(Equal([]format.Opcode{
				format.OpHeader,
				format.OpDataEnd,
				format.OpStatistics,
				format.OpSummaryOffset,
				format.OpFooter,
			}))
			Expect(recs[0].rec).To(Equal(&format.Header{Profile: "test", Library: DefaultLibrary}))
		})

		DescribeTable("writes chunks, indexes, and a summary",
			func(c format.Compression) {
				cfg.Compression = c
				newWriter()

				sid, err := w.RegisterSchema("pose", "protobuf", []byte("schema"))
				Expect(err).ToNot(HaveOccurred())
				Expect(sid).To(Equal(uint16(1)))

				a, err := w.RegisterChannel(sid, "/a", "protobuf", map[string]string{"k": "v"})
				Expect(err).ToNot(HaveOccurred())
				Expect(a).To(Equal(uint16(0)))
				b, err := w.RegisterChannel(0, "/b", "json", nil)
				Expect(err).ToNot(HaveOccurred())
				Expect(b).To(Equal(uint16(1)))

				Expect(w.WriteHeaderAndPayload(a, 1, 20, 20, []byte("a1"))).To(Succeed())
				Expect(w.WriteHeaderAndPayload(b, 1, 10, 10, []byte("b1"))).To(Succeed())
				Expect(w.WriteHeaderAndPayload(a, 2, 15, 15, []byte("a2"))).To(Succeed())
				Expect(w.NumMessages()).To(Equal(int64(3)))
				Expect(w.Close()).To(Succeed())

				data := buf.Bytes()
				recs := lexFile(data)
				Expect(opcodes(recs)).To(Equal([]format.Opcode{
					format.OpHeader,
					format.OpChunk,
					format.OpMessageIndex,
					format.OpMessageIndex,
					format.OpDataEnd,
					format.OpSchema,
					format.OpChannel,
					format.OpChannel,
					format.OpStatistics,
					format.OpChunkIndex,
					format.OpSummaryOffset,
					format.OpSummaryOffset,
					format.OpSummaryOffset,
					format.OpSummaryOffset,
					format.OpFooter,
				}))

				chunk := recs[1].rec.(*format.Chunk)
				Expect(chunk.Compression).To(Equal(c.WireName()))
				Expect(chunk.MessageStartTime).To(Equal(uint64(10)))
				Expect(chunk.MessageEndTime).To(Equal(uint64(20)))

				records, err := format.DecompressChunk(chunk)
				Expect(err).ToNot(HaveOccurred())
				var inner []format.Opcode
				l := format.NewLexer(records)
				for {
					op, _, _, err := l.Next()
					if err == io.EOF {
						break
					}
					Expect(err).ToNot(HaveOccurred())
					inner = append(inner, op)
				}
				Expect(inner).To(Equal([]format.Opcode{
					format.OpSchema, format.OpChannel, format.OpMessage,
					format.OpChannel, format.OpMessage,
					format.OpMessage,
				}))

				// Channel /a's index is sorted by log time.
				mi := recs[2].rec.(*format.MessageIndex)
				Expect(mi.ChannelID).To(Equal(a))
				Expect(mi.Records).To(HaveLen(2))
				Expect(mi.Records[0].LogTime).To(Equal(uint64(15)))
				Expect(mi.Records[1].LogTime).To(Equal(uint64(20)))
				Expect(mi.Records[0].Offset).To(BeNumerically(">", mi.Records[1].Offset))

				ci := recs[9].rec.(*format.ChunkIndex)
				Expect(ci.ChunkStartOffset).To(Equal(uint64(recs[1].offset)))
				Expect(ci.ChunkLength).To(Equal(uint64(recs[2].offset - recs[1].offset)))
				Expect(ci.MessageIndexOffsets).To(Equal(map[uint16]uint64{
					a: uint64(recs[2].offset),
					b: uint64(recs[3].offset),
				}))
				Expect(ci.MessageIndexLength).To(Equal(uint64(recs[4].offset - recs[2].offset)))
				Expect(ci.UncompressedSize).To(Equal(uint64(len(records))))

				stats := recs[8].rec.(*format.Statistics)
				Expect(stats.MessageCount).To(Equal(uint64(3)))
				Expect(stats.SchemaCount).To(Equal(uint16(1)))
				Expect(stats.ChannelCount).To(Equal(uint32(2)))
				Expect(stats.ChunkCount).To(Equal(uint32(1)))
				Expect(stats.MessageStartTime).To(Equal(uint64(10)))
				Expect(stats.MessageEndTime).To(Equal(uint64(20)))
				Expect(stats.ChannelMessageCounts).To(Equal(map[uint16]uint64{a: 2, b: 1}))

				// CRCs.
				dataEnd := recs[4]
				Expect(dataEnd.rec.(*format.DataEnd).DataSectionCRC).To(
					Equal(crc32.ChecksumIEEE(data[:dataEnd.offset])))

				footer := recs[len(recs)-1]
				f := footer.rec.(*format.Footer)
				Expect(f.SummaryStart).To(Equal(uint64(recs[5].offset)))
				Expect(f.SummaryOffsetStart).To(Equal(uint64(recs[10].offset)))
				Expect(f.SummaryCRC).To(Equal(
					crc32.ChecksumIEEE(data[f.SummaryStart : footer.offset+format.FooterRecordSize-4])))
			},

			Entry("none", format.CompressionNone),
			Entry("zstd", format.CompressionZstd),
			Entry("lz4", format.CompressionLZ4),
			Entry("snappy", format.CompressionSnappy),
		)

		It("finishes a chunk when it reaches the chunk size", func() {
			cfg.ChunkSize = 1
			newWriter()

			ch, err := w.RegisterChannel(0, "/a", "raw", nil)
			Expect(err).ToNot(HaveOccurred())
			for i := 0; i < 5; i++ {
				Expect(w.WriteHeaderAndPayload(ch, uint32(i), uint64(i), uint64(i), nil)).To(Succeed())
			}
			Expect(w.Close()).To(Succeed())

			recs := lexFile(buf.Bytes())
			Expect(countOpcode(recs, format.OpChunk)).To(Equal(5))
			Expect(countOpcode(recs, format.OpChunkIndex)).To(Equal(5))
			// Every chunk carries its own channel record.
			Expect(w.Statistics().ChunkCount).To(Equal(uint32(5)))
		})

		It("honors disabled summary features", func() {
			cfg.DisableStatistics = true
			cfg.DisableSummaryOffsets = true
			cfg.DisableMessageIndexes = true
			cfg.DisableChunkCRC = true
			cfg.DisableDataCRC = true
			cfg.DisableSummaryCRC = true
			newWriter()

			ch, err := w.RegisterChannel(0, "/a", "raw", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(w.WriteHeaderAndPayload(ch, 1, 1, 1, nil)).To(Succeed())
			Expect(w.Close()).To(Succeed())

			recs := lexFile(buf.Bytes())
			Expect(opcodes(recs)).To(Equal([]format.Opcode{
				format.OpHeader,
				format.OpChunk,
				format.OpDataEnd,
				format.OpChannel,
				format.OpChunkIndex,
				format.OpFooter,
			}))
			Expect(recs[1].rec.(*format.Chunk).UncompressedCRC).To(BeZero())
			Expect(recs[2].rec.(*format.DataEnd).DataSectionCRC).To(BeZero())

			f := recs[5].rec.(*format.Footer)
			Expect(f.SummaryStart).ToNot(BeZero())
			Expect(f.SummaryOffsetStart).To(BeZero())
			Expect(f.SummaryCRC).To(BeZero())
		})

		It("can omit the summary", func() {
			cfg.DisableSummary = true
			newWriter()
			Expect(w.Close()).To(Succeed())

			recs := lexFile(buf.Bytes())
			Expect(opcodes(recs)).To(Equal([]format.Opcode{format.OpHeader, format.OpDataEnd, format.OpFooter}))
			Expect(recs[2].rec).To(Equal(&format.Footer{}))
		})
	})

	It("does not change the file when flushing with nothing pending", func() {
		newWriter()
		ch, err := w.RegisterChannel(0, "/a", "raw", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(w.WriteHeaderAndPayload(ch, 1, 1, 1, []byte("x"))).To(Succeed())

		Expect(w.Flush()).To(Succeed())
		size := buf.Len()
		Expect(w.Flush()).To(Succeed())
		Expect(w.Flush()).To(Succeed())
		Expect(buf.Len()).To(Equal(size))

		Expect(w.Close()).To(Succeed())
		Expect(countOpcode(lexFile(buf.Bytes()), format.OpChunk)).To(Equal(1))
	})

	Context("time offset", func() {
		var ch uint16

		BeforeEach(func() {
			newWriter()
			var err error
			ch, err = w.RegisterChannel(0, "/a", "raw", nil)
			Expect(err).ToNot(HaveOccurred())
		})

		It("applies the offset to message times", func() {
			Expect(w.SetTimeOffset(1000)).To(Succeed())
			Expect(w.SetTimeOffset(100)).To(Succeed())
			Expect(w.WriteHeaderAndPayload(ch, 1, 5, 6, nil)).To(Succeed())

			stats := w.Statistics()
			Expect(stats.MessageStartTime).To(Equal(uint64(105)))
		})

		It("locks the offset after the first message", func() {
			Expect(w.WriteHeaderAndPayload(ch, 1, 5, 5, nil)).To(Succeed())
			err := w.SetTimeOffset(10)
			Expect(errors.Cause(err)).To(Equal(format.ErrOffsetLocked))
			Expect(w.LastError()).ToNot(BeEmpty())
		})

		It("locks the offset after the first attachment", func() {
			Expect(w.Attach(&format.Attachment{Name: "a", LogTime: 1, CreateTime: 1})).To(Succeed())
			Expect(errors.Cause(w.SetTimeOffset(10))).To(Equal(format.ErrOffsetLocked))
		})

		It("rejects messages that would underflow", func() {
			Expect(w.SetTimeOffset(-100)).To(Succeed())

			err := w.WriteHeaderAndPayload(ch, 1, 50, 150, nil)
			Expect(errors.Cause(err)).To(Equal(format.ErrOffsetLocked))
			Expect(w.NumMessages()).To(BeZero())

			// The failed write did not lock the offset.
			Expect(w.SetTimeOffset(-10)).To(Succeed())
			Expect(w.WriteHeaderAndPayload(ch, 1, 50, 50, nil)).To(Succeed())
			Expect(w.Statistics().MessageStartTime).To(Equal(uint64(40)))

			err = w.WriteHeaderAndPayload(ch, 2, 5, 50, nil)
			Expect(errors.Cause(err)).To(Equal(format.ErrOffsetLocked))
			Expect(w.NumMessages()).To(Equal(int64(1)))
		})
	})

	Context("validation", func() {
		BeforeEach(func() {
			newWriter()
		})

		It("rejects unknown channels and schemas", func() {
			_, err := w.RegisterChannel(3, "/a", "raw", nil)
			Expect(errors.Cause(err)).To(Equal(format.ErrUnknownSchema))

			err = w.WriteHeaderAndPayload(0, 1, 1, 1, nil)
			Expect(errors.Cause(err)).To(Equal(format.ErrUnknownChannel))

			_, err = w.WriteSequenced(7, 1, 1, nil)
			Expect(errors.Cause(err)).To(Equal(format.ErrUnknownChannel))
		})

		It("assigns distinct IDs to identical schemas", func() {
			a, err := w.RegisterSchema("s", "e", []byte("d"))
			Expect(err).ToNot(HaveOccurred())
			b, err := w.RegisterSchema("s", "e", []byte("d"))
			Expect(err).ToNot(HaveOccurred())
			Expect(a).ToNot(Equal(b))
		})

		It("assigns sequences per channel", func() {
			a, err := w.RegisterChannel(0, "/a", "raw", nil)
			Expect(err).ToNot(HaveOccurred())
			b, err := w.RegisterChannel(0, "/b", "raw", nil)
			Expect(err).ToNot(HaveOccurred())

			for _, expected := range []struct {
				ch  uint16
				seq uint32
			}{{a, 1}, {a, 2}, {b, 1}, {a, 3}} {
				seq, err := w.WriteSequenced(expected.ch, 1, 1, nil)
				Expect(err).ToNot(HaveOccurred())
				Expect(seq).To(Equal(expected.seq))
			}
		})

		It("rejects reserved opaque opcodes without failing", func() {
			err := w.WriteOpaqueRecord(format.OpMessage, nil, false)
			Expect(errors.Cause(err)).To(Equal(format.ErrFormat))

			Expect(w.WriteOpaqueRecord(0x80, []byte("top"), false)).To(Succeed())
			Expect(w.WriteOpaqueRecord(0x81, []byte("chunk"), true)).To(Succeed())
			Expect(w.Close()).To(Succeed())

			recs := lexFile(buf.Bytes())
			Expect(recs[1].rec).To(Equal(&format.OpaqueRecord{Op: 0x80, Data: []byte("top")}))
			Expect(recs[2].rec.Opcode()).To(Equal(format.OpChunk))
		})
	})

	It("indexes attachments and metadata outside of chunks", func() {
		newWriter()
		ch, err := w.RegisterChannel(0, "/a", "raw", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(w.WriteHeaderAndPayload(ch, 1, 1, 1, nil)).To(Succeed())

		Expect(w.Attach(&format.Attachment{
			LogTime: 2, CreateTime: 3, Name: "cal", MediaType: "text/plain", Data: []byte("data"),
		})).To(Succeed())
		Expect(w.WriteMetadata(&format.Metadata{Name: "robot", Metadata: map[string]string{"id": "1"}})).To(Succeed())
		Expect(w.Close()).To(Succeed())

		recs := lexFile(buf.Bytes())
		Expect(opcodes(recs)[:5]).To(Equal([]format.Opcode{
			format.OpHeader, format.OpChunk, format.OpMessageIndex, format.OpAttachment, format.OpMetadata,
		}))

		att := recs[3].rec.(*format.Attachment)
		Expect(att.CRC).To(Equal(format.AttachmentCRC(att)))

		var ai *format.AttachmentIndex
		var mi *format.MetadataIndex
		for _, r := range recs {
			switch rec := r.rec.(type) {
			case *format.AttachmentIndex:
				ai = rec
			case *format.MetadataIndex:
				mi = rec
			}
		}
		Expect(ai).To(Equal(&format.AttachmentIndex{
			Offset:     uint64(recs[3].offset),
			Length:     uint64(recs[4].offset - recs[3].offset),
			LogTime:    2,
			CreateTime: 3,
			DataSize:   4,
			Name:       "cal",
			MediaType:  "text/plain",
		}))
		Expect(mi.Offset).To(Equal(uint64(recs[4].offset)))
		Expect(mi.Name).To(Equal("robot"))
	})

	Context("failure", func() {
		It("poisons the writer when the destination fails", func() {
			fw := failingWriter{limit: 32}
			w, err := cfg.NewWriter(&fw)
			Expect(err).ToNot(HaveOccurred())

			ch, err := w.RegisterChannel(0, "/a", "raw", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(w.WriteHeaderAndPayload(ch, 1, 1, 1, bytes.Repeat([]byte{1}, 64))).To(Succeed())

			err = w.Flush()
			Expect(errors.Cause(err)).To(Equal(format.ErrIO))
			Expect(w.LastError()).To(ContainSubstring("disk full"))

			err = w.WriteHeaderAndPayload(ch, 2, 2, 2, nil)
			Expect(errors.Cause(err)).To(Equal(format.ErrIO))
			Expect(errors.Cause(w.Close())).To(Equal(format.ErrIO))
		})

		It("rejects operations after Close", func() {
			newWriter()
			Expect(w.Close()).To(Succeed())

			_, err := w.RegisterSchema("s", "e", nil)
			Expect(errors.Cause(err)).To(Equal(format.ErrAlreadyClosed))
			_, err = w.RegisterChannel(0, "/a", "raw", nil)
			Expect(errors.Cause(err)).To(Equal(format.ErrAlreadyClosed))
			Expect(errors.Cause(w.Flush())).To(Equal(format.ErrAlreadyClosed))
			Expect(errors.Cause(w.Close())).To(Equal(format.ErrAlreadyClosed))
		})
	})
})

var _ = Describe("Config", func() {
	var tdir string

	BeforeEach(func() {
		var err error
		tdir, err = ioutil.TempDir("", "gomcap_writer_test")
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(os.RemoveAll(tdir)).To(Succeed())
	})

	It("loads from YAML", func() {
		path := filepath.Join(tdir, "writer.yaml")
		Expect(ioutil.WriteFile(path, []byte(
			"compression: zstd\n"+
				"compression_level: 3\n"+
				"chunk_size: 4096\n"+
				"profile: ros2\n"+
				"disable_chunk_crc: true\n"), 0644)).To(Succeed())

		cfg, err := LoadConfig(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(cfg.Compression).To(Equal(format.CompressionZstd))
		Expect(cfg.CompressionLevel).To(Equal(3))
		Expect(cfg.ChunkSize).To(Equal(int64(4096)))
		Expect(cfg.Profile).To(Equal("ros2"))
		Expect(cfg.DisableChunkCRC).To(BeTrue())
	})

	It("rejects unknown compressions", func() {
		path := filepath.Join(tdir, "writer.yaml")
		Expect(ioutil.WriteFile(path, []byte("compression: brotli\n"), 0644)).To(Succeed())

		_, err := LoadConfig(path)
		Expect(err).To(HaveOccurred())
	})

	It("creates and owns a file", func() {
		path := filepath.Join(tdir, "out.mcap")
		w, err := (&Config{}).Create(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(w.Path()).To(Equal(path))
		Expect(w.Close()).To(Succeed())

		data, err := ioutil.ReadFile(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(lexFile(data)).ToNot(BeEmpty())
	})
})

func TestWriter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Testing writer")
}
