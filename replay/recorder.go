// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package replay

import (
	"sync"
	"time"

	"github.com/danjacques/gomcap/format"
	"github.com/danjacques/gomcap/writer"

	"github.com/pkg/errors"
)

// RecorderStatus is a snapshot of the current recorder status.
type RecorderStatus struct {
	Name     string
	Error    error
	Messages int64
	Bytes    int64
	Duration time.Duration
}

// A Recorder serializes concurrent producers onto a single Writer.
type Recorder struct {
	mu sync.Mutex
	// w is the currently-active writer.
	w *writer.Writer
	// recvErr is an error that occurred while recording.
	recvErr error
}

// Start starts recording to w.
//
// The recording will continue until the Stop method is called.
//
// Start will take ownership of w and close it on completion (Stop).
func (r *Recorder) Start(w *writer.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.w != nil {
		panic("already started")
	}

	r.w = w
	recorderRecordingGauge.Inc()
}

// Stop stops the Recorder, finalizing its output and releasing its resources.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.w == nil {
		return nil
	}

	// Finalize our recorded file.
	err := r.w.Close()
	r.w = nil

	// Propagate our recording error, if Close didn't return an error.
	if err == nil {
		err = r.recvErr
	}
	r.recvErr = nil

	recorderRecordingGauge.Dec()
	return err
}

// Status returns a snapshot of the current Recorder status.
//
// If the Recorder is not currently recording, Status will return nil.
func (r *Recorder) Status() *RecorderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.w == nil {
		return nil
	}

	st := r.w.Statistics()
	return &RecorderStatus{
		Name:     r.w.Path(),
		Error:    r.recvErr,
		Messages: r.w.NumMessages(),
		Bytes:    r.w.NumBytes(),
		Duration: time.Duration(st.MessageEndTime - st.MessageStartTime),
	}
}

// do runs fn against the active writer. If the Recorder is stopped, do does
// nothing.
func (r *Recorder) do(fn func(w *writer.Writer) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.w == nil {
		return nil
	}

	// We're already in an error state.
	if r.recvErr != nil {
		return r.recvErr
	}

	switch err := fn(r.w); errors.Cause(err) {
	case nil:
		return nil

	case format.ErrUnknownChannel, format.ErrUnknownSchema, format.ErrOffsetLocked, format.ErrFormat:
		// The request was invalid. The recording is still good.
		recorderErrors.WithLabelValues("request").Inc()
		return err

	default:
		// Record the error. We're done; let's not waste time on more messages.
		recorderErrors.WithLabelValues("write").Inc()
		r.recvErr = err
		return err
	}
}

// RegisterSchema registers a schema with the recording. It returns the
// schema's ID, or 0 if the Recorder is stopped.
func (r *Recorder) RegisterSchema(name, encoding string, data []byte) (id uint16, err error) {
	err = r.do(func(w *writer.Writer) (err error) {
		id, err = w.RegisterSchema(name, encoding, data)
		return
	})
	return
}

// RegisterChannel registers a channel with the recording.
func (r *Recorder) RegisterChannel(schemaID uint16, topic, encoding string, metadata map[string]string) (id uint16, err error) {
	err = r.do(func(w *writer.Writer) (err error) {
		id, err = w.RegisterChannel(schemaID, topic, encoding, metadata)
		return
	})
	return
}

// RecordMessage adds m to the recording.
func (r *Recorder) RecordMessage(m *format.Message) error {
	recorderMessages.Inc()
	return r.do(func(w *writer.Writer) error { return w.WriteMessage(m) })
}

// RecordAttachment adds a to the recording.
func (r *Recorder) RecordAttachment(a *format.Attachment) error {
	return r.do(func(w *writer.Writer) error { return w.Attach(a) })
}

// RecordMetadata adds md to the recording.
func (r *Recorder) RecordMetadata(md *format.Metadata) error {
	return r.do(func(w *writer.Writer) error { return w.WriteMetadata(md) })
}

// RecordOpaque adds an application-defined record to the recording. If
// inChunk is true, the record is written alongside the current chunk's
// messages.
func (r *Recorder) RecordOpaque(op format.Opcode, data []byte, inChunk bool) error {
	return r.do(func(w *writer.Writer) error { return w.WriteOpaqueRecord(op, data, inChunk) })
}
