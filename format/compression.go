// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package format

import (
	"bytes"
	"sort"
	"sync"

	"github.com/danjacques/gomcap/support/dataio"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/crc32"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// Compression is a chunk compression codec.
type Compression int

// Supported compression codecs.
const (
	// CompressionNone stores chunk records as-is. It is always available.
	CompressionNone Compression = iota
	// CompressionZstd compresses chunks as a zstd frame.
	CompressionZstd
	// CompressionLZ4 compresses chunks as an LZ4 frame.
	CompressionLZ4
	// CompressionSnappy compresses chunks as a snappy block.
	//
	// Snappy is not part of the MCAP registry; other readers will not be able
	// to decompress these chunks.
	CompressionSnappy
)

// maxUncompressedChunkSize bounds the allocation made for a decompressed chunk.
const maxUncompressedChunkSize = 1 << 32

var compressionNames = map[Compression]string{
	CompressionNone:   "none",
	CompressionZstd:   "zstd",
	CompressionLZ4:    "lz4",
	CompressionSnappy: "snappy",
}

func (c Compression) String() string {
	if name, ok := compressionNames[c]; ok {
		return name
	}
	return "unknown"
}

// WireName returns the name of c as stored in Chunk records.
func (c Compression) WireName() string {
	if c == CompressionNone {
		return ""
	}
	return c.String()
}

// MarshalText implements encoding.TextMarshaler.
func (c Compression) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Compression) UnmarshalText(v []byte) error {
	cv, err := CompressionByName(string(v))
	if err != nil {
		return err
	}
	*c = cv
	return nil
}

// CompressionByName returns the Compression with the specified name. Both the
// display name and the wire name are accepted.
func CompressionByName(name string) (Compression, error) {
	if name == "" {
		return CompressionNone, nil
	}
	for c, n := range compressionNames {
		if n == name {
			return c, nil
		}
	}
	return CompressionNone, errors.Errorf("unknown compression type: %q", name)
}

// ParseCompression resolves a Chunk record's compression wire name.
func ParseCompression(wire string) (Compression, error) {
	c, err := CompressionByName(wire)
	if err != nil {
		return CompressionNone, errors.Wrapf(ErrFormat, "unknown chunk compression %q", wire)
	}
	return c, nil
}

// Codec compresses and decompresses chunk records.
//
// A Codec is safe for concurrent use.
type Codec interface {
	// Compression returns the codec's Compression.
	Compression() Compression

	// Encode appends the compressed form of src to dst, returning the result.
	Encode(dst, src []byte) ([]byte, error)

	// Decode decompresses src, which must expand to exactly size bytes.
	//
	// Decode may return src itself if no decompression is needed.
	Decode(src []byte, size uint64) ([]byte, error)
}

type codecFactory func(level int) Codec

// codecs is the capability table of available codecs.
var codecs = map[Compression]codecFactory{
	CompressionNone:   func(int) Codec { return noneCodec{} },
	CompressionZstd:   func(level int) Codec { return &zstdCodec{level: level} },
	CompressionLZ4:    func(level int) Codec { return lz4Codec{level: level} },
	CompressionSnappy: func(int) Codec { return snappyCodec{} },
}

var (
	decodeCodecsOnce sync.Once
	decodeCodecs     map[Compression]Codec
)

// AvailableCompressions returns every Compression with a registered codec.
func AvailableCompressions() []Compression {
	avail := make([]Compression, 0, len(codecs))
	for c := range codecs {
		avail = append(avail, c)
	}
	sort.Slice(avail, func(i, j int) bool { return avail[i] < avail[j] })
	return avail
}

// NewCodec returns a Codec for c at the specified compression level. A level of
// 0 selects the codec's default.
func NewCodec(c Compression, level int) (Codec, error) {
	f, ok := codecs[c]
	if !ok {
		return nil, errors.Errorf("compression %s is not available", c)
	}
	return f(level), nil
}

func decodeCodec(c Compression) (Codec, error) {
	decodeCodecsOnce.Do(func() {
		decodeCodecs = make(map[Compression]Codec, len(codecs))
		for c, f := range codecs {
			decodeCodecs[c] = f(0)
		}
	})

	codec, ok := decodeCodecs[c]
	if !ok {
		return nil, errors.Wrapf(ErrFormat, "compression %s is not available", c)
	}
	return codec, nil
}

// DecompressChunk returns c's uncompressed records, verifying their size and
// CRC.
//
// If c is not compressed, the returned slice aliases c.Records.
func DecompressChunk(c *Chunk) ([]byte, error) {
	comp, err := ParseCompression(c.Compression)
	if err != nil {
		return nil, err
	}
	codec, err := decodeCodec(comp)
	if err != nil {
		return nil, err
	}
	if c.UncompressedSize > maxUncompressedChunkSize {
		return nil, errors.Wrapf(ErrFormat, "chunk uncompressed size %d is too large", c.UncompressedSize)
	}

	records, err := codec.Decode(c.Records, c.UncompressedSize)
	if err != nil {
		return nil, err
	}

	if c.UncompressedCRC != 0 {
		if crc := crc32.ChecksumIEEE(records); crc != c.UncompressedCRC {
			return nil, errors.Wrapf(ErrChecksum, "chunk CRC 0x%08X does not match stored 0x%08X", crc, c.UncompressedCRC)
		}
	}
	return records, nil
}

type noneCodec struct{}

func (noneCodec) Compression() Compression { return CompressionNone }

func (noneCodec) Encode(dst, src []byte) ([]byte, error) { return append(dst, src...), nil }

func (noneCodec) Decode(src []byte, size uint64) ([]byte, error) {
	if uint64(len(src)) != size {
		return nil, errors.Wrapf(ErrFormat, "uncompressed chunk holds %d bytes, expected %d", len(src), size)
	}
	return src, nil
}

var (
	zstdDecoderOnce sync.Once
	zstdDecoder     *zstd.Decoder
	zstdDecoderErr  error
)

type zstdCodec struct {
	level int

	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error
}

func (*zstdCodec) Compression() Compression { return CompressionZstd }

func (zc *zstdCodec) encoder() (*zstd.Encoder, error) {
	zc.encOnce.Do(func() {
		level := zstd.SpeedDefault
		if zc.level > 0 {
			level = zstd.EncoderLevelFromZstd(zc.level)
		}
		zc.enc, zc.encErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(level),
			zstd.WithEncoderConcurrency(1))
	})
	return zc.enc, zc.encErr
}

func (zc *zstdCodec) Encode(dst, src []byte) ([]byte, error) {
	enc, err := zc.encoder()
	if err != nil {
		return nil, errors.Wrap(err, "creating zstd encoder")
	}
	return enc.EncodeAll(src, dst), nil
}

func (*zstdCodec) Decode(src []byte, size uint64) ([]byte, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	if zstdDecoderErr != nil {
		return nil, errors.Wrap(zstdDecoderErr, "creating zstd decoder")
	}

	out, err := zstdDecoder.DecodeAll(src, make([]byte, 0, size))
	if err != nil {
		return nil, errors.Wrapf(ErrFormat, "zstd: %s", err)
	}
	if uint64(len(out)) != size {
		return nil, errors.Wrapf(ErrFormat, "zstd chunk expanded to %d bytes, expected %d", len(out), size)
	}
	return out, nil
}

type lz4Codec struct {
	level int
}

func (lz4Codec) Compression() Compression { return CompressionLZ4 }

func (lc lz4Codec) compressionLevel() lz4.CompressionLevel {
	switch {
	case lc.level <= 0:
		return lz4.Fast
	case lc.level == 1:
		return lz4.Level1
	case lc.level == 2:
		return lz4.Level2
	case lc.level == 3:
		return lz4.Level3
	case lc.level == 4:
		return lz4.Level4
	case lc.level == 5:
		return lz4.Level5
	case lc.level == 6:
		return lz4.Level6
	case lc.level == 7:
		return lz4.Level7
	case lc.level == 8:
		return lz4.Level8
	default:
		return lz4.Level9
	}
}

func (lc lz4Codec) Encode(dst, src []byte) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	zw := lz4.NewWriter(buf)
	if err := zw.Apply(lz4.CompressionLevelOption(lc.compressionLevel())); err != nil {
		return nil, errors.Wrap(err, "configuring lz4 writer")
	}
	if _, err := zw.Write(src); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decode(src []byte, size uint64) ([]byte, error) {
	out := make([]byte, size)
	zr := lz4.NewReader(bytes.NewReader(src))
	if err := dataio.ReadFull(zr, out); err != nil {
		return nil, errors.Wrapf(ErrFormat, "lz4: %s", err)
	}

	// The frame must not hold more than size bytes.
	var extra [1]byte
	if n, _ := zr.Read(extra[:]); n != 0 {
		return nil, errors.Wrapf(ErrFormat, "lz4 chunk expands beyond %d bytes", size)
	}
	return out, nil
}

type snappyCodec struct{}

func (snappyCodec) Compression() Compression { return CompressionSnappy }

func (snappyCodec) Encode(dst, src []byte) ([]byte, error) {
	return append(dst, snappy.Encode(nil, src)...), nil
}

func (snappyCodec) Decode(src []byte, size uint64) ([]byte, error) {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, errors.Wrapf(ErrFormat, "snappy: %s", err)
	}
	if uint64(n) != size {
		return nil, errors.Wrapf(ErrFormat, "snappy chunk expands to %d bytes, expected %d", n, size)
	}
	out, err := snappy.Decode(make([]byte, n), src)
	if err != nil {
		return nil, errors.Wrapf(ErrFormat, "snappy: %s", err)
	}
	return out, nil
}
