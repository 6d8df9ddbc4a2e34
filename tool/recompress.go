// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tool

import (
	"io"
	"path/filepath"

	"github.com/danjacques/gomcap/format"
	"github.com/danjacques/gomcap/reader"
	"github.com/danjacques/gomcap/replay"
	"github.com/danjacques/gomcap/support/stagingdir"
	"github.com/danjacques/gomcap/writer"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type recompressOptions struct {
	compression format.CompressionFlag
	chunkSize   int64
	configPath  string
	salvage     bool
}

func (a *app) recompressCommand() *cobra.Command {
	var opts recompressOptions

	cmd := &cobra.Command{
		Use:   "recompress IN OUT",
		Short: "Rewrite a file with different chunking and compression",
		Long: "Copies every schema, channel, message, attachment, metadata and application " +
			"record from IN into a new file at OUT. OUT is only replaced once the new " +
			"file is complete.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &writer.Config{}
			if opts.configPath != "" {
				var err error
				if cfg, err = writer.LoadConfig(opts.configPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("compression") {
				cfg.Compression = opts.compression.Value()
			}
			if cmd.Flags().Changed("chunk-size") {
				cfg.ChunkSize = opts.chunkSize
			}
			cfg.Logger = a.logger

			return a.recompress(args[0], args[1], cfg, opts.salvage)
		},
	}

	fs := cmd.Flags()
	fs.Var(&opts.compression, "compression",
		"Chunk compression. Options are: "+format.CompressionFlagValues())
	fs.Int64Var(&opts.chunkSize, "chunk-size", writer.DefaultChunkSize, "Uncompressed chunk size in bytes.")
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML writer configuration.")
	fs.BoolVar(&opts.salvage, "salvage", false, "Skip unreadable records instead of failing.")
	return cmd
}

func (a *app) recompress(in, out string, cfg *writer.Config, salvage bool) error {
	r, err := a.openReader(in)
	if err != nil {
		return err
	}
	defer a.closeReader(r)

	sd, err := stagingdir.New(filepath.Dir(out), ".gomcap-")
	if err != nil {
		return err
	}
	defer func() {
		if err := sd.Destroy(); err != nil {
			a.logger.Warnf("Failed to destroy staging directory: %s", err)
		}
	}()

	const stagedName = "out.mcap"
	fd, err := sd.Create(stagedName)
	if err != nil {
		return err
	}
	defer func() {
		if fd != nil {
			_ = fd.Close()
		}
	}()

	w, err := cfg.NewWriter(fd)
	if err != nil {
		return err
	}

	var rec replay.Recorder
	rec.Start(w)
	c := copier{a: a, rec: &rec, salvage: salvage}
	copyErr := c.copy(r)
	st := rec.Status()
	if err := rec.Stop(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return copyErr
	}

	if err := fd.Close(); err != nil {
		return errors.Wrap(err, "closing staged file")
	}
	fd = nil
	if err := sd.Commit(stagedName, out); err != nil {
		return err
	}

	a.logger.Infof("Wrote %s message(s) to %q (%s, %s).",
		humanize.Comma(st.Messages), out, humanize.Bytes(uint64(st.Bytes)), cfg.Compression)
	if c.skipped > 0 {
		a.logger.Warnf("Skipped %d unreadable record(s).", c.skipped)
	}
	return nil
}

// copier copies the records of a data section into a Recorder, translating
// schema and channel IDs as it goes.
type copier struct {
	a       *app
	rec     *replay.Recorder
	salvage bool

	schemas  map[uint16]uint16
	channels map[uint16]uint16
	skipped  int
}

func (c *copier) copy(r *reader.Reader) error {
	c.schemas = make(map[uint16]uint16)
	c.channels = make(map[uint16]uint16)

	rs := r.StreamRecords()
	for {
		rec, err := rs.Next()
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			if c.salvage && (format.IsKind(err, format.ErrFormat) || format.IsKind(err, format.ErrChecksum)) {
				c.a.logger.Warnf("Skipping unreadable records: %s", err)
				c.skipped++
				continue
			}
			return err
		}

		if err := c.copyRecord(rec, rs.InChunk()); err != nil {
			return err
		}
	}
}

func (c *copier) copyRecord(rec format.Record, inChunk bool) error {
	switch rec := rec.(type) {
	case *format.Schema:
		if _, ok := c.schemas[rec.ID]; ok {
			return nil
		}
		id, err := c.rec.RegisterSchema(rec.Name, rec.Encoding, rec.Data)
		if err != nil {
			return err
		}
		c.schemas[rec.ID] = id

	case *format.Channel:
		if _, ok := c.channels[rec.ID]; ok {
			return nil
		}
		var schemaID uint16
		if rec.SchemaID != 0 {
			var ok bool
			if schemaID, ok = c.schemas[rec.SchemaID]; !ok {
				return errors.Wrapf(format.ErrUnknownSchema, "channel %d references schema %d", rec.ID, rec.SchemaID)
			}
		}
		id, err := c.rec.RegisterChannel(schemaID, rec.Topic, rec.MessageEncoding, rec.Metadata)
		if err != nil {
			return err
		}
		c.channels[rec.ID] = id

	case *format.Message:
		id, ok := c.channels[rec.ChannelID]
		if !ok {
			return errors.Wrapf(format.ErrUnknownChannel, "message references channel %d", rec.ChannelID)
		}
		m := *rec
		m.ChannelID = id
		return c.rec.RecordMessage(&m)

	case *format.Attachment:
		return c.rec.RecordAttachment(rec)

	case *format.Metadata:
		return c.rec.RecordMetadata(rec)

	case *format.OpaqueRecord:
		if !rec.Op.IsApplication() {
			c.a.logger.Debugf("Dropping record with reserved opcode 0x%02X.", uint8(rec.Op))
			return nil
		}
		return c.rec.RecordOpaque(rec.Op, rec.Data, inChunk)
	}

	// Chunk framing, indexes, and DataEnd are regenerated by the writer.
	return nil
}
