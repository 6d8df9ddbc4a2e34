// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danjacques/gomcap/format"
	"github.com/danjacques/gomcap/reader"
	"github.com/danjacques/gomcap/writer"

	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// writeTestFile writes a file with two channels, ten messages, an attachment,
// a metadata record, and an application record.
func writeTestFile(path string, cfg writer.Config) {
	w, err := cfg.Create(path)
	Expect(err).ToNot(HaveOccurred())

	schemaID, err := w.RegisterSchema("Pose", "jsonschema", []byte(`{"type":"object"}`))
	Expect(err).ToNot(HaveOccurred())
	for _, topic := range []string{"/pose", "/log"} {
		sid := schemaID
		if topic == "/log" {
			sid = 0
		}
		_, err := w.RegisterChannel(sid, topic, "json", map[string]string{"topic": topic})
		Expect(err).ToNot(HaveOccurred())
	}

	for i := 0; i < 10; i++ {
		Expect(w.WriteMessage(&format.Message{
			ChannelID: uint16(i % 2),
			Sequence:  uint32(i/2 + 1),
			LogTime:   uint64(1000 + i*10),
			Data:      []byte(fmt.Sprintf(`{"i":%d}`, i)),
		})).To(Succeed())
	}
	Expect(w.WriteOpaqueRecord(0x90, []byte("app"), true)).To(Succeed())
	Expect(w.Attach(&format.Attachment{
		LogTime:   1010,
		Name:      "calibration",
		MediaType: "text/plain",
		Data:      []byte("fx=1"),
	})).To(Succeed())
	Expect(w.WriteMetadata(&format.Metadata{
		Name:     "run",
		Metadata: map[string]string{"site": "lab"},
	})).To(Succeed())
	Expect(w.Close()).To(Succeed())
}

func run(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetArgs(args)
	cmd.SetErr(ioutil.Discard)
	err := cmd.Execute()
	return out.String(), err
}

func lines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

var _ = Describe("gomcap", func() {
	var (
		dir  string
		path string
	)

	BeforeEach(func() {
		var err error
		dir, err = ioutil.TempDir("", "gomcap-tool-test")
		Expect(err).ToNot(HaveOccurred())

		path = filepath.Join(dir, "in.mcap")
		writeTestFile(path, writer.Config{ChunkSize: 64})
	})

	AfterEach(func() {
		Expect(os.RemoveAll(dir)).To(Succeed())
	})

	Context("info", func() {
		It("describes a file", func() {
			out, err := run("info", path)
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(ContainSubstring("Messages: 10\n"))
			Expect(out).To(ContainSubstring("(0) /pose [json] schema=1: 5 message(s)"))
			Expect(out).To(ContainSubstring("(1) /log [json] schema=0: 5 message(s)"))
			Expect(out).To(ContainSubstring("(1) Pose [jsonschema]"))
			Expect(out).To(ContainSubstring("Attachments: 1\n  calibration [text/plain]"))
			Expect(out).To(ContainSubstring("Metadata: 1\n  run\n"))
		})

		It("renders JSON", func() {
			out, err := run("info", "--json", path)
			Expect(err).ToNot(HaveOccurred())

			var v map[string]interface{}
			Expect(json.Unmarshal([]byte(out), &v)).To(Succeed())
			Expect(v["messages"]).To(Equal(float64(10)))
			Expect(v["summary"]).To(BeTrue())
			Expect(v["channels"]).To(HaveLen(2))
			Expect(v["chunks"]).To(HaveKeyWithValue("compression", HaveKey("none")))
			Expect(v["metadata"]).To(Equal([]interface{}{"run"}))
		})

		It("describes a file without a Summary", func() {
			noSummary := filepath.Join(dir, "nosummary.mcap")
			writeTestFile(noSummary, writer.Config{DisableSummary: true})

			out, err := run("info", noSummary)
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(ContainSubstring("Summary:  unavailable\n"))
		})

		It("fails on a missing file", func() {
			_, err := run("info", filepath.Join(dir, "missing.mcap"))
			Expect(errors.Cause(err)).To(Equal(format.ErrIO))
		})
	})

	Context("cat", func() {
		It("prints every message in order", func() {
			out, err := run("cat", "--preview", "0", path)
			Expect(err).ToNot(HaveOccurred())

			ls := lines(out)
			Expect(ls).To(HaveLen(10))
			Expect(ls[0]).To(Equal("1000 /pose [0] seq=1 publish=0 (7 byte(s))"))
			Expect(ls[9]).To(Equal("1090 /log [1] seq=5 publish=0 (7 byte(s))"))
		})

		It("filters by topic and time", func() {
			out, err := run("cat", "--preview", "0", "--topic", "/log", "--start", "1030", "--end", "1070", path)
			Expect(err).ToNot(HaveOccurred())
			Expect(lines(out)).To(Equal([]string{
				"1030 /log [1] seq=2 publish=0 (7 byte(s))",
				"1050 /log [1] seq=3 publish=0 (7 byte(s))",
				"1070 /log [1] seq=4 publish=0 (7 byte(s))",
			}))
		})

		It("prints the same messages linearly", func() {
			indexed, err := run("cat", "--topic", "/pose", path)
			Expect(err).ToNot(HaveOccurred())
			linear, err := run("cat", "--linear", "--topic", "/pose", path)
			Expect(err).ToNot(HaveOccurred())
			Expect(linear).To(Equal(indexed))
			Expect(indexed).To(ContainSubstring(`{"i":0}`))
		})

		It("reads a file without a Summary linearly", func() {
			noSummary := filepath.Join(dir, "nosummary.mcap")
			writeTestFile(noSummary, writer.Config{DisableSummary: true})

			out, err := run("cat", "--linear", "--preview", "0", noSummary)
			Expect(err).ToNot(HaveOccurred())
			Expect(lines(out)).To(HaveLen(10))

			_, err = run("cat", noSummary)
			Expect(format.IsKind(err, format.ErrSummaryUnavailable)).To(BeTrue())
		})

		It("rejects an inverted range and an unknown topic", func() {
			_, err := run("cat", "--start", "10", "--end", "5", path)
			Expect(errors.Cause(err)).To(Equal(format.ErrInvalidRange))

			_, err = run("cat", "--topic", "/nope", path)
			Expect(errors.Cause(err)).To(Equal(format.ErrUnknownChannel))
		})
	})

	Context("recompress", func() {
		verify := func(out string, c format.Compression) {
			r, err := reader.Open(out, nil)
			Expect(err).ToNot(HaveOccurred())
			defer r.Close()

			Expect(r.MessageCount()).To(Equal(uint64(10)))
			Expect(r.Topics()).To(ConsistOf("/pose", "/log"))
			sc, err := r.SchemaForChannel(0)
			Expect(err).ToNot(HaveOccurred())
			Expect(sc.Name).To(Equal("Pose"))

			cis, err := r.ChunkIndexes()
			Expect(err).ToNot(HaveOccurred())
			Expect(cis).ToNot(BeEmpty())
			for _, ci := range cis {
				Expect(ci.Compression).To(Equal(c.WireName()))
			}

			msgs, err := r.MessagesForTopic("/log")
			Expect(err).ToNot(HaveOccurred())
			Expect(msgs).To(HaveLen(5))
			Expect(string(msgs[0].Data)).To(Equal(`{"i":1}`))

			atts, err := r.Attachments()
			Expect(err).ToNot(HaveOccurred())
			Expect(atts).To(HaveLen(1))
			Expect(string(atts[0].Data)).To(Equal("fx=1"))

			mds, err := r.MetadataEntries()
			Expect(err).ToNot(HaveOccurred())
			Expect(mds).To(HaveLen(1))
			Expect(mds[0].Metadata).To(Equal(map[string]string{"site": "lab"}))

			var opaque int
			rs := r.StreamRecords()
			for {
				rec, err := rs.Next()
				if err != nil {
					break
				}
				if o, ok := rec.(*format.OpaqueRecord); ok {
					Expect(o.Op).To(Equal(format.Opcode(0x90)))
					Expect(rs.InChunk()).To(BeTrue())
					opaque++
				}
			}
			Expect(opaque).To(Equal(1))
		}

		It("rewrites a file with a new codec", func() {
			out := filepath.Join(dir, "out.mcap")
			_, err := run("recompress", "--compression", "zstd", "--chunk-size", "4096", path, out)
			Expect(err).ToNot(HaveOccurred())
			verify(out, format.CompressionZstd)

			// The staging directory is gone.
			entries, err := ioutil.ReadDir(dir)
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(2))
		})

		It("loads a YAML writer configuration", func() {
			cfgPath := filepath.Join(dir, "writer.yaml")
			Expect(ioutil.WriteFile(cfgPath, []byte("compression: lz4\nchunk_size: 128\n"), 0644)).To(Succeed())

			out := filepath.Join(dir, "out.mcap")
			_, err := run("recompress", "--config", cfgPath, path, out)
			Expect(err).ToNot(HaveOccurred())
			verify(out, format.CompressionLZ4)
		})

		It("leaves the destination alone on failure", func() {
			out := filepath.Join(dir, "out.mcap")
			_, err := run("recompress", filepath.Join(dir, "missing.mcap"), out)
			Expect(err).To(HaveOccurred())
			_, err = os.Stat(out)
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("rejects an unknown codec", func() {
			_, err := run("recompress", "--compression", "brotli", path, filepath.Join(dir, "out.mcap"))
			Expect(err).To(HaveOccurred())
		})
	})

	Context("replay", func() {
		It("replays every message once", func() {
			out, err := run("replay", "--speed", "1000", "--interval", "1ms", path)
			Expect(err).ToNot(HaveOccurred())

			ls := lines(out)
			Expect(ls).To(HaveLen(10))
			Expect(ls[0]).To(Equal("1000 [0] seq=1 (7 byte(s))"))
			Expect(ls[9]).To(Equal("1090 [1] seq=5 (7 byte(s))"))
		})

		It("replays a topic within a range", func() {
			out, err := run("replay", "--interval", "1ms", "--topic", "/pose", "--start", "1020", "--end", "1060", path)
			Expect(err).ToNot(HaveOccurred())
			Expect(lines(out)).To(Equal([]string{
				"1020 [0] seq=2 (7 byte(s))",
				"1040 [0] seq=3 (7 byte(s))",
				"1060 [0] seq=4 (7 byte(s))",
			}))
		})

		It("fails on an empty range", func() {
			_, err := run("replay", "--start", "5000", "--end", "6000", path)
			Expect(errors.Cause(err)).To(Equal(format.ErrInvalidRange))
		})
	})
})

func TestTool(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Tool Suite")
}
