// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package writer

import (
	"io"
	"os"

	"github.com/danjacques/gomcap/format"
	"github.com/danjacques/gomcap/support/logging"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultChunkSize is the uncompressed chunk size used when Config.ChunkSize
// is zero.
const DefaultChunkSize = 768 * 1024

// DefaultLibrary is the Header library string used when Config.Library is
// empty.
const DefaultLibrary = "gomcap"

// Config configures a Writer. The zero value is a valid configuration that
// writes uncompressed chunks with every index and CRC enabled.
type Config struct {
	// Compression is the codec used for chunks.
	Compression format.Compression `yaml:"compression"`
	// CompressionLevel is the level to apply to Compression, if applicable. Zero
	// selects the codec's default.
	CompressionLevel int `yaml:"compression_level"`

	// ChunkSize is the uncompressed size at which a chunk is finished. If not
	// positive, DefaultChunkSize is used.
	ChunkSize int64 `yaml:"chunk_size"`

	// Profile is the Header profile string.
	Profile string `yaml:"profile"`
	// Library is the Header library string.
	Library string `yaml:"library"`

	DisableStatistics     bool `yaml:"disable_statistics"`
	DisableSummaryOffsets bool `yaml:"disable_summary_offsets"`
	DisableMessageIndexes bool `yaml:"disable_message_indexes"`
	// DisableSummary omits the Summary entirely. The Footer will record no
	// Summary and readers will be limited to linear access.
	DisableSummary bool `yaml:"disable_summary"`

	DisableChunkCRC      bool `yaml:"disable_chunk_crc"`
	DisableAttachmentCRC bool `yaml:"disable_attachment_crc"`
	DisableDataCRC       bool `yaml:"disable_data_crc"`
	DisableSummaryCRC    bool `yaml:"disable_summary_crc"`

	// Logger, if not nil, is used to log Writer events.
	Logger logging.L `yaml:"-"`
}

// LoadConfig loads a Config from the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) validate() error {
	if _, err := format.NewCodec(cfg.Compression, cfg.CompressionLevel); err != nil {
		return err
	}
	return nil
}

func (cfg *Config) chunkSize() int64 {
	if cfg.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return cfg.ChunkSize
}

func (cfg *Config) library() string {
	if cfg.Library == "" {
		return DefaultLibrary
	}
	return cfg.Library
}

// NewWriter creates a Writer that writes to w. The Writer does not take
// ownership of w.
//
// The file's magic and Header are written immediately.
func (cfg *Config) NewWriter(w io.Writer) (*Writer, error) {
	return cfg.newWriter(w, nil, "")
}

// Create creates the file at path and returns a Writer that writes to it.
// The Writer owns the file and closes it on Close.
func (cfg *Config) Create(path string) (*Writer, error) {
	fd, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(format.ErrIO, "creating %q: %s", path, err)
	}

	w, err := cfg.newWriter(fd, fd, path)
	if err != nil {
		_ = fd.Close()
		return nil, err
	}
	return w, nil
}
