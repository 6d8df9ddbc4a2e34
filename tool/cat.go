// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tool

import (
	"io"
	"math"

	"github.com/danjacques/gomcap/format"
	"github.com/danjacques/gomcap/reader"
	"github.com/danjacques/gomcap/support/fmtutil"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type catOptions struct {
	topic   string
	start   uint64
	end     uint64
	linear  bool
	hex     bool
	preview int
}

func (a *app) catCommand() *cobra.Command {
	var opts catOptions

	cmd := &cobra.Command{
		Use:   "cat FILE",
		Short: "Print the messages in a file",
		Long: "Prints messages in log time order using the file's Summary. With --linear, " +
			"the data section is scanned in file order instead, which works on files " +
			"without a Summary.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.end < opts.start {
				return errors.Wrapf(format.ErrInvalidRange, "end %d is before start %d", opts.end, opts.start)
			}

			r, err := a.openReader(args[0])
			if err != nil {
				return err
			}
			defer a.closeReader(r)

			if opts.linear {
				return a.catLinear(r, &opts)
			}
			return a.catIndexed(r, &opts)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&opts.topic, "topic", "", "Only print messages on this topic.")
	fs.Uint64Var(&opts.start, "start", 0, "Only print messages logged at or after this time (ns).")
	fs.Uint64Var(&opts.end, "end", math.MaxUint64, "Only print messages logged at or before this time (ns).")
	fs.BoolVar(&opts.linear, "linear", false, "Scan the data section in file order.")
	fs.BoolVar(&opts.hex, "hex", false, "Print a full hex dump of every payload.")
	fs.IntVar(&opts.preview, "preview", 16, "Print a hex preview of this many payload bytes (0 to disable).")
	return cmd
}

func (a *app) catIndexed(r *reader.Reader, opts *catOptions) error {
	ids, err := resolveTopic(r, opts.topic)
	if err != nil {
		return err
	}

	it, err := r.NewIterator()
	if err != nil {
		return err
	}
	defer func() {
		if err := it.Close(); err != nil {
			a.logger.Warnf("Failed to close iterator: %s", err)
		}
	}()
	it.RestrictToChannels(ids...)
	it.SeekToTime(opts.start)

	for {
		m, err := it.Next()
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			// The iterator skips the unreadable chunk.
			a.logger.Warnf("Skipping unreadable messages: %s", err)
			continue
		case m.LogTime > opts.end:
			return nil
		}
		topic := ""
		if ch, err := r.Channel(m.ChannelID); err == nil {
			topic = ch.Topic
		}
		a.printMessage(topic, m, opts)
	}
}

func (a *app) catLinear(r *reader.Reader, opts *catOptions) error {
	var filter *roaring.Bitmap
	if opts.topic != "" {
		// Channels are discovered as the stream defines them.
		filter = roaring.New()
	}

	topics := make(map[uint16]string)
	rs := r.StreamRecords()
	for {
		rec, err := rs.Next()
		switch {
		case err == io.EOF:
			return nil
		case err != nil:
			if !format.IsKind(err, format.ErrFormat) && !format.IsKind(err, format.ErrChecksum) {
				return err
			}
			a.logger.Warnf("Skipping unreadable records: %s", err)
			continue
		}

		switch rec := rec.(type) {
		case *format.Channel:
			topics[rec.ID] = rec.Topic
			if filter != nil && rec.Topic == opts.topic {
				filter.Add(uint32(rec.ID))
			}

		case *format.Message:
			if filter != nil && !filter.Contains(uint32(rec.ChannelID)) {
				continue
			}
			if rec.LogTime < opts.start || rec.LogTime > opts.end {
				continue
			}
			a.printMessage(topics[rec.ChannelID], rec, opts)
		}
	}
}

func (a *app) printMessage(topic string, m *format.Message, opts *catOptions) {
	if topic == "" {
		topic = "?"
	}
	a.printf("%d %s [%d] seq=%d publish=%d (%d byte(s))\n",
		m.LogTime, topic, m.ChannelID, m.Sequence, m.PublishTime, len(m.Data))
	switch {
	case opts.hex:
		a.printf("%s", fmtutil.Hex(m.Data))
	case opts.preview > 0 && len(m.Data) > 0:
		a.printf("%s", fmtutil.HexPreview{Data: m.Data, Limit: opts.preview})
	}
}
