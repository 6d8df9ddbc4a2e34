// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tool

import (
	"sort"
	"time"

	"github.com/danjacques/gomcap/format"
	"github.com/danjacques/gomcap/reader"

	"github.com/dustin/go-humanize"
	"github.com/golang/protobuf/jsonpb"
	"github.com/golang/protobuf/ptypes"
	structpb "github.com/golang/protobuf/ptypes/struct"
	"github.com/spf13/cobra"
)

// fileInfo is everything that info reports about a file.
type fileInfo struct {
	path   string
	size   int64
	source string
	header *format.Header

	// The remaining fields are only populated if the file has a Summary.
	hasSummary   bool
	messages     uint64
	start, end   uint64
	chunks       []*format.ChunkIndex
	schemas      []*format.Schema
	channels     []*format.Channel
	channelCount map[uint16]uint64
	attachments  []*format.AttachmentIndex
	metadata     []*format.MetadataIndex
}

func (a *app) infoCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "info FILE",
		Short: "Describe the contents of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openReader(args[0])
			if err != nil {
				return err
			}
			defer a.closeReader(r)

			fi, err := loadFileInfo(args[0], r)
			if err != nil {
				return err
			}
			if asJSON {
				m := jsonpb.Marshaler{Indent: "  "}
				if err := m.Marshal(a.out, fi.proto()); err != nil {
					return err
				}
				a.printf("\n")
				return nil
			}
			fi.print(a)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Render the description as JSON.")
	return cmd
}

func loadFileInfo(path string, r *reader.Reader) (*fileInfo, error) {
	fi := fileInfo{
		path:   path,
		size:   r.Size(),
		source: r.SourceKind(),
		header: r.Header(),
	}
	if !r.HasSummary() {
		return &fi, nil
	}
	fi.hasSummary = true

	s, err := r.ReadSummary()
	if err != nil {
		return nil, err
	}
	if fi.messages, err = r.MessageCount(); err != nil {
		return nil, err
	}
	if fi.messages > 0 {
		if fi.start, err = r.FirstMessageTime(); err != nil {
			return nil, err
		}
		if fi.end, err = r.LastMessageTime(); err != nil {
			return nil, err
		}
	}

	fi.chunks = s.ChunkIndexes
	fi.attachments = s.AttachmentIndexes
	fi.metadata = s.MetadataIndexes

	for _, sc := range s.Schemas {
		fi.schemas = append(fi.schemas, sc)
	}
	sort.Slice(fi.schemas, func(i, j int) bool { return fi.schemas[i].ID < fi.schemas[j].ID })

	fi.channelCount = make(map[uint16]uint64, len(s.Channels))
	for _, ch := range s.Channels {
		fi.channels = append(fi.channels, ch)
		if fi.channelCount[ch.ID], err = r.MessageCountForChannel(ch.ID); err != nil {
			return nil, err
		}
	}
	sort.Slice(fi.channels, func(i, j int) bool { return fi.channels[i].ID < fi.channels[j].ID })
	return &fi, nil
}

func (fi *fileInfo) chunkSizes() (compressed, uncompressed uint64, codecs map[string]int) {
	codecs = make(map[string]int)
	for _, ci := range fi.chunks {
		compressed += ci.CompressedSize
		uncompressed += ci.UncompressedSize

		name := ci.Compression
		if c, err := format.ParseCompression(ci.Compression); err == nil {
			name = c.String()
		}
		codecs[name]++
	}
	return
}

func logTime(t uint64) time.Time { return time.Unix(0, int64(t)).UTC() }

func (fi *fileInfo) print(a *app) {
	a.printf("File:     %s (%s, %s)\n", fi.path, humanize.Bytes(uint64(fi.size)), fi.source)
	a.printf("Profile:  %q\n", fi.header.Profile)
	a.printf("Library:  %q\n", fi.header.Library)
	if !fi.hasSummary {
		a.printf("Summary:  unavailable\n")
		return
	}

	a.printf("Messages: %s\n", humanize.Comma(int64(fi.messages)))
	if fi.messages > 0 {
		a.printf("Start:    %s (%d)\n", logTime(fi.start).Format(time.RFC3339Nano), fi.start)
		a.printf("End:      %s (%d)\n", logTime(fi.end).Format(time.RFC3339Nano), fi.end)
		a.printf("Duration: %s\n", time.Duration(fi.end-fi.start))
	}

	compressed, uncompressed, codecs := fi.chunkSizes()
	a.printf("Chunks:   %d (%s compressed, %s uncompressed)\n",
		len(fi.chunks), humanize.Bytes(compressed), humanize.Bytes(uncompressed))
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a.printf("  %-8s %d\n", name+":", codecs[name])
	}

	a.printf("Schemas:  %d\n", len(fi.schemas))
	for _, sc := range fi.schemas {
		a.printf("  (%d) %s [%s]\n", sc.ID, sc.Name, sc.Encoding)
	}

	a.printf("Channels: %d\n", len(fi.channels))
	for _, ch := range fi.channels {
		a.printf("  (%d) %s [%s] schema=%d: %s message(s)\n",
			ch.ID, ch.Topic, ch.MessageEncoding, ch.SchemaID, humanize.Comma(int64(fi.channelCount[ch.ID])))
	}

	a.printf("Attachments: %d\n", len(fi.attachments))
	for _, ai := range fi.attachments {
		a.printf("  %s [%s]: %s\n", ai.Name, ai.MediaType, humanize.Bytes(ai.DataSize))
	}
	a.printf("Metadata: %d\n", len(fi.metadata))
	for _, mi := range fi.metadata {
		a.printf("  %s\n", mi.Name)
	}
}

func stringValue(s string) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_StringValue{StringValue: s}}
}

func numberValue(v float64) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_NumberValue{NumberValue: v}}
}

func boolValue(v bool) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_BoolValue{BoolValue: v}}
}

func structValue(fields map[string]*structpb.Value) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_StructValue{StructValue: &structpb.Struct{Fields: fields}}}
}

func listValue(values []*structpb.Value) *structpb.Value {
	return &structpb.Value{Kind: &structpb.Value_ListValue{ListValue: &structpb.ListValue{Values: values}}}
}

// timeValue renders a log time as an RFC 3339 timestamp.
func timeValue(t uint64) *structpb.Value {
	ts, err := ptypes.TimestampProto(logTime(t))
	if err != nil {
		// Out of the Timestamp range; fall back to the raw value.
		return numberValue(float64(t))
	}
	return stringValue(ptypes.TimestampString(ts))
}

// proto renders fi as a protobuf Struct.
func (fi *fileInfo) proto() *structpb.Struct {
	fields := map[string]*structpb.Value{
		"path":    stringValue(fi.path),
		"size":    numberValue(float64(fi.size)),
		"source":  stringValue(fi.source),
		"profile": stringValue(fi.header.Profile),
		"library": stringValue(fi.header.Library),
		"summary": boolValue(fi.hasSummary),
	}
	if !fi.hasSummary {
		return &structpb.Struct{Fields: fields}
	}

	fields["messages"] = numberValue(float64(fi.messages))
	if fi.messages > 0 {
		fields["start"] = timeValue(fi.start)
		fields["end"] = timeValue(fi.end)
		fields["duration"] = stringValue(time.Duration(fi.end - fi.start).String())
	}

	compressed, uncompressed, codecs := fi.chunkSizes()
	codecFields := make(map[string]*structpb.Value, len(codecs))
	for name, n := range codecs {
		codecFields[name] = numberValue(float64(n))
	}
	fields["chunks"] = structValue(map[string]*structpb.Value{
		"count":            numberValue(float64(len(fi.chunks))),
		"compressedSize":   numberValue(float64(compressed)),
		"uncompressedSize": numberValue(float64(uncompressed)),
		"compression":      structValue(codecFields),
	})

	schemas := make([]*structpb.Value, len(fi.schemas))
	for i, sc := range fi.schemas {
		schemas[i] = structValue(map[string]*structpb.Value{
			"id":       numberValue(float64(sc.ID)),
			"name":     stringValue(sc.Name),
			"encoding": stringValue(sc.Encoding),
		})
	}
	fields["schemas"] = listValue(schemas)

	channels := make([]*structpb.Value, len(fi.channels))
	for i, ch := range fi.channels {
		md := make(map[string]*structpb.Value, len(ch.Metadata))
		for k, v := range ch.Metadata {
			md[k] = stringValue(v)
		}
		channels[i] = structValue(map[string]*structpb.Value{
			"id":              numberValue(float64(ch.ID)),
			"schemaId":        numberValue(float64(ch.SchemaID)),
			"topic":           stringValue(ch.Topic),
			"messageEncoding": stringValue(ch.MessageEncoding),
			"metadata":        structValue(md),
			"messages":        numberValue(float64(fi.channelCount[ch.ID])),
		})
	}
	fields["channels"] = listValue(channels)

	attachments := make([]*structpb.Value, len(fi.attachments))
	for i, ai := range fi.attachments {
		attachments[i] = structValue(map[string]*structpb.Value{
			"name":      stringValue(ai.Name),
			"mediaType": stringValue(ai.MediaType),
			"size":      numberValue(float64(ai.DataSize)),
			"logTime":   timeValue(ai.LogTime),
		})
	}
	fields["attachments"] = listValue(attachments)

	metadata := make([]*structpb.Value, len(fi.metadata))
	for i, mi := range fi.metadata {
		metadata[i] = stringValue(mi.Name)
	}
	fields["metadata"] = listValue(metadata)

	return &structpb.Struct{Fields: fields}
}
