// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package replay

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danjacques/gomcap/format"
	"github.com/danjacques/gomcap/reader"
	"github.com/danjacques/gomcap/writer"

	"github.com/pkg/errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

// testMessages returns ten messages, alternating between channels 0 and 1,
// at log times 100, 110, ..., 190.
func testMessages() []*format.Message {
	msgs := make([]*format.Message, 10)
	for i := range msgs {
		msgs[i] = &format.Message{
			ChannelID: uint16(i % 2),
			Sequence:  uint32(i/2 + 1),
			LogTime:   uint64(100 + i*10),
			Data:      []byte(fmt.Sprintf("m%d", i)),
		}
	}
	return msgs
}

func writeTestFile(cfg writer.Config, msgs []*format.Message) []byte {
	var buf bytes.Buffer
	w, err := cfg.NewWriter(&buf)
	Expect(err).ToNot(HaveOccurred())
	for _, topic := range []string{"/a", "/b"} {
		_, err := w.RegisterChannel(0, topic, "raw", nil)
		Expect(err).ToNot(HaveOccurred())
	}
	for _, m := range msgs {
		Expect(w.WriteMessage(m)).To(Succeed())
	}
	Expect(w.Close()).To(Succeed())
	return buf.Bytes()
}

func times(msgs []*format.Message) []uint64 {
	ts := make([]uint64, len(msgs))
	for i, m := range msgs {
		ts[i] = m.LogTime
	}
	return ts
}

func isKind(kind error) func(error) bool {
	return func(err error) bool { return errors.Cause(err) == kind }
}

var _ = Describe("Scheduler", func() {
	msgs := testMessages()

	var (
		r       *reader.Reader
		s       *Scheduler
		emitted []*format.Message
	)

	BeforeEach(func() {
		var err error
		r, err = reader.OpenBytes(writeTestFile(writer.Config{ChunkSize: 64}, msgs), nil)
		Expect(err).ToNot(HaveOccurred())

		emitted = nil
		s = &Scheduler{
			Reader:    r,
			OnMessage: func(m *format.Message) { emitted = append(emitted, m) },
		}
	})

	AfterEach(func() {
		s.Stop()
		Expect(r.Close()).To(Succeed())
	})

	It("emits the same messages as direct iteration", func() {
		it, err := r.NewIterator()
		Expect(err).ToNot(HaveOccurred())
		defer it.Close()

		var direct []*format.Message
		for it.HasNext() {
			m, err := it.Next()
			Expect(err).ToNot(HaveOccurred())
			direct = append(direct, m)
		}

		Expect(s.Start()).To(Succeed())
		Expect(s.State()).To(Equal(StateRunning))

		ticks := 0
		for s.State() == StateRunning {
			before := len(emitted)
			n, err := s.Tick(7 * time.Nanosecond)
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(len(emitted) - before))

			// Nothing beyond the virtual clock has been emitted.
			for _, m := range emitted[before:] {
				Expect(m.LogTime - 100).To(BeNumerically("<=", uint64((ticks+1)*7)))
			}
			ticks++
		}

		Expect(emitted).To(Equal(direct))
		Expect(s.State()).To(Equal(StateStopped))
		Expect(s.Status().Emitted).To(Equal(int64(len(msgs))))
	})

	It("emits every due message in a single tick", func() {
		Expect(s.Start()).To(Succeed())

		Expect(s.Tick(0)).To(Equal(1))
		Expect(s.Tick(25 * time.Nanosecond)).To(Equal(2))
		Expect(times(emitted)).To(Equal([]uint64{100, 110, 120}))

		// Ticks are ignored once stopped.
		Expect(s.Tick(time.Second)).To(Equal(7))
		Expect(s.State()).To(Equal(StateStopped))
		Expect(s.Tick(time.Second)).To(Equal(0))
	})

	It("replays only the configured range", func() {
		Expect(s.SetTimeRange(120, 150)).To(Succeed())
		Expect(s.Start()).To(Succeed())
		Expect(s.Tick(time.Second)).To(Equal(4))
		Expect(times(emitted)).To(Equal([]uint64{120, 130, 140, 150}))

		st := s.Status()
		Expect(st.Start).To(Equal(uint64(120)))
		Expect(st.End).To(Equal(uint64(150)))
		Expect(st.Duration).To(Equal(30 * time.Nanosecond))
	})

	It("accepts unbounded ends", func() {
		Expect(s.SetTimeRange(Unbounded, 115)).To(Succeed())
		Expect(s.Start()).To(Succeed())
		Expect(s.Tick(time.Second)).To(Equal(2))

		Expect(s.SetTimeRange(175, Unbounded)).To(Succeed())
		Expect(s.Start()).To(Succeed())
		emitted = nil
		Expect(s.Tick(time.Second)).To(Equal(2))
		Expect(times(emitted)).To(Equal([]uint64{180, 190}))
	})

	It("rejects invalid and empty ranges", func() {
		Expect(s.SetTimeRange(20, 10)).To(Satisfy(isKind(format.ErrInvalidRange)))
		Expect(s.SetTimeRange(-5, 10)).To(Satisfy(isKind(format.ErrInvalidRange)))

		Expect(s.SetTimeRange(500, 600)).To(Succeed())
		Expect(s.Start()).To(Satisfy(isKind(format.ErrInvalidRange)))
		Expect(s.State()).To(Equal(StateIdle))
		Expect(s.LastError()).ToNot(BeEmpty())
	})

	It("refuses to start without a summary", func() {
		nr, err := reader.OpenBytes(writeTestFile(writer.Config{DisableSummary: true}, msgs), nil)
		Expect(err).ToNot(HaveOccurred())
		defer nr.Close()

		ns := Scheduler{Reader: nr}
		Expect(ns.Start()).To(Satisfy(isKind(format.ErrSummaryUnavailable)))
		Expect(ns.State()).To(Equal(StateIdle))
	})

	It("re-emits the first message once per loop", func() {
		s.SetLooping(true)
		Expect(s.Start()).To(Succeed())

		Expect(s.Tick(time.Second)).To(Equal(len(msgs)))
		Expect(s.State()).To(Equal(StateRunning))
		Expect(s.Status().Loops).To(Equal(int64(1)))

		emitted = nil
		Expect(s.Tick(0)).To(Equal(1))
		Expect(emitted).To(Equal(msgs[:1]))
		Expect(s.Tick(0)).To(Equal(0))

		Expect(s.Tick(time.Second)).To(Equal(len(msgs) - 1))
		Expect(s.Status().Loops).To(Equal(int64(2)))
	})

	It("stops and restarts", func() {
		Expect(s.Start()).To(Succeed())
		Expect(s.Tick(15 * time.Nanosecond)).To(Equal(2))

		s.Stop()
		Expect(s.State()).To(Equal(StateStopped))
		Expect(s.Tick(time.Second)).To(Equal(0))
		Expect(s.SeekToTime(150)).To(Satisfy(isKind(ErrNotRunning)))

		emitted = nil
		Expect(s.Start()).To(Succeed())
		Expect(s.Tick(0)).To(Equal(1))
		Expect(emitted).To(Equal(msgs[:1]))
	})

	It("restarts when started while running", func() {
		Expect(s.Start()).To(Succeed())
		Expect(s.Tick(35 * time.Nanosecond)).To(Equal(4))

		Expect(s.Start()).To(Succeed())
		emitted = nil
		Expect(s.Tick(0)).To(Equal(1))
		Expect(emitted).To(Equal(msgs[:1]))
	})

	It("seeks while running", func() {
		Expect(s.SeekToTime(150)).To(Satisfy(isKind(ErrNotRunning)))

		Expect(s.Start()).To(Succeed())
		Expect(s.Tick(5 * time.Nanosecond)).To(Equal(1))

		Expect(s.SeekToTime(150)).To(Succeed())
		Expect(s.Status().Position).To(Equal(50 * time.Nanosecond))
		emitted = nil
		Expect(s.Tick(0)).To(Equal(1))
		Expect(times(emitted)).To(Equal([]uint64{150}))

		// Seeking backwards replays earlier messages.
		Expect(s.SeekToTime(0)).To(Succeed())
		emitted = nil
		Expect(s.Tick(10 * time.Nanosecond)).To(Equal(2))
		Expect(times(emitted)).To(Equal([]uint64{100, 110}))
	})

	It("scales ticks by the playback speed", func() {
		s.SetSpeed(2)
		Expect(s.Start()).To(Succeed())
		Expect(s.Tick(10 * time.Nanosecond)).To(Equal(3))

		s.SetSpeed(-1)
		Expect(s.Status().Speed).To(Equal(1.0))
		Expect(s.Tick(10 * time.Nanosecond)).To(Equal(1))
	})

	It("filters channels", func() {
		Expect(s.SetChannelFilter([]uint16{1})).To(Succeed())
		Expect(s.Start()).To(Succeed())
		Expect(s.Tick(time.Second)).To(Equal(5))
		for _, m := range emitted {
			Expect(m.ChannelID).To(Equal(uint16(1)))
		}
	})

	It("changes its filter without re-emitting", func() {
		Expect(s.Start()).To(Succeed())
		Expect(s.Tick(20 * time.Nanosecond)).To(Equal(3))

		Expect(s.SetChannelFilter([]uint16{0})).To(Succeed())
		Expect(s.Tick(time.Second)).To(Equal(3))
		Expect(times(emitted)).To(Equal([]uint64{100, 110, 120, 140, 160, 180}))
	})

	It("keeps its position when the filter changes after a seek", func() {
		Expect(s.Start()).To(Succeed())
		Expect(s.SeekToTime(150)).To(Succeed())

		Expect(s.SetChannelFilter([]uint16{0})).To(Succeed())
		Expect(s.Tick(0)).To(Equal(0))
		Expect(s.Tick(10 * time.Nanosecond)).To(Equal(1))
		Expect(times(emitted)).To(Equal([]uint64{160}))
	})

	It("restarts at a new range while running", func() {
		Expect(s.Start()).To(Succeed())
		Expect(s.Tick(5 * time.Nanosecond)).To(Equal(1))

		Expect(s.SetTimeRange(140, 160)).To(Succeed())
		Expect(s.State()).To(Equal(StateRunning))
		Expect(s.Status().Start).To(Equal(uint64(140)))
		Expect(s.Status().Position).To(Equal(time.Duration(0)))

		emitted = nil
		Expect(s.Tick(0)).To(Equal(1))
		Expect(s.Tick(time.Second)).To(Equal(2))
		Expect(times(emitted)).To(Equal([]uint64{140, 150, 160}))
		Expect(s.State()).To(Equal(StateStopped))
	})

	It("keeps its range when a new range is rejected while running", func() {
		Expect(s.Start()).To(Succeed())
		Expect(s.Tick(5 * time.Nanosecond)).To(Equal(1))

		Expect(s.SetTimeRange(500, 600)).To(Satisfy(isKind(format.ErrInvalidRange)))
		Expect(s.State()).To(Equal(StateRunning))
		Expect(s.Tick(10 * time.Nanosecond)).To(Equal(1))
		Expect(times(emitted)).To(Equal([]uint64{100, 110}))

		s.Stop()
		Expect(s.Start()).To(Succeed())
		Expect(s.Status().Start).To(Equal(uint64(100)))
		Expect(s.Status().End).To(Equal(uint64(190)))
	})

	It("ignores ticks while paused", func() {
		Expect(s.Start()).To(Succeed())
		s.Pause()
		Expect(s.State()).To(Equal(StatePaused))
		Expect(s.Tick(time.Second)).To(Equal(0))

		s.Resume()
		Expect(s.State()).To(Equal(StateRunning))
		Expect(s.Tick(0)).To(Equal(1))
	})
})

var _ = Describe("Player", func() {
	msgs := testMessages()

	var (
		r *reader.Reader
		p *Player

		mu      sync.Mutex
		emitted []*format.Message
	)

	received := func() []*format.Message {
		mu.Lock()
		defer mu.Unlock()
		return append([]*format.Message(nil), emitted...)
	}

	BeforeEach(func() {
		var err error
		r, err = reader.OpenBytes(writeTestFile(writer.Config{}, msgs), nil)
		Expect(err).ToNot(HaveOccurred())

		emitted = nil
		p = &Player{
			Scheduler: &Scheduler{Reader: r},
			SendMessage: func(m *format.Message) {
				mu.Lock()
				defer mu.Unlock()
				emitted = append(emitted, m)
			},
			Interval: time.Millisecond,
		}
	})

	AfterEach(func() {
		p.Stop()
		Expect(r.Close()).To(Succeed())
	})

	It("plays a file to completion", func() {
		Expect(p.Play(context.Background())).To(Succeed())
		Eventually(p.Done()).Should(BeClosed())
		Expect(received()).To(Equal(msgs))
		Expect(p.Status()).To(BeNil())
		Expect(p.Scheduler.State()).To(Equal(StateStopped))
	})

	It("accepts commands while looping", func() {
		p.Scheduler.SetLooping(true)
		Expect(p.Play(context.Background())).To(Succeed())

		Eventually(func() int64 { return p.Status().Scheduler.Loops }).Should(BeNumerically(">", 0))

		p.Pause()
		Expect(p.Status().Paused).To(BeTrue())
		Expect(p.Status().Scheduler.State).To(Equal(StatePaused))
		p.Resume()
		Expect(p.Status().Paused).To(BeFalse())

		Expect(p.Seek(150)).To(Succeed())

		p.Stop()
		Expect(p.Done()).To(BeNil())
		Expect(p.Scheduler.State()).To(Equal(StateStopped))
		Expect(p.Seek(150)).To(Satisfy(isKind(ErrNotRunning)))
	})

	It("stops when its Context is cancelled", func() {
		p.Scheduler.SetLooping(true)
		c, cancelFunc := context.WithCancel(context.Background())
		Expect(p.Play(c)).To(Succeed())

		cancelFunc()
		Eventually(p.Done()).Should(BeClosed())
	})

	It("fails to play a range without messages", func() {
		Expect(p.Scheduler.SetTimeRange(500, 600)).To(Succeed())
		Expect(p.Play(context.Background())).To(Satisfy(isKind(format.ErrInvalidRange)))
		Expect(p.Done()).To(BeNil())
	})
})

var _ = Describe("Recorder", func() {
	It("serializes concurrent producers", func() {
		var buf bytes.Buffer
		w, err := (&writer.Config{ChunkSize: 512}).NewWriter(&buf)
		Expect(err).ToNot(HaveOccurred())

		var rec Recorder
		Expect(rec.Status()).To(BeNil())
		rec.Start(w)

		sid, err := rec.RegisterSchema("S", "raw", nil)
		Expect(err).ToNot(HaveOccurred())

		const producers, perProducer = 4, 25
		ids := make([]uint16, producers)
		for i := range ids {
			ids[i], err = rec.RegisterChannel(sid, fmt.Sprintf("/p%d", i), "raw", nil)
			Expect(err).ToNot(HaveOccurred())
		}

		var wg sync.WaitGroup
		errC := make(chan error, producers*perProducer)
		for i := 0; i < producers; i++ {
			wg.Add(1)
			go func(id uint16) {
				defer wg.Done()
				for j := 0; j < perProducer; j++ {
					errC <- rec.RecordMessage(&format.Message{
						ChannelID: id,
						Sequence:  uint32(j + 1),
						LogTime:   uint64(j),
						Data:      []byte("x"),
					})
				}
			}(ids[i])
		}
		wg.Wait()
		close(errC)
		for err := range errC {
			Expect(err).ToNot(HaveOccurred())
		}

		// An invalid request does not end the recording.
		Expect(rec.RecordMessage(&format.Message{ChannelID: 99})).To(Satisfy(isKind(format.ErrUnknownChannel)))
		Expect(rec.RecordMetadata(&format.Metadata{Name: "done"})).To(Succeed())

		st := rec.Status()
		Expect(st.Messages).To(Equal(int64(producers * perProducer)))
		Expect(st.Error).ToNot(HaveOccurred())
		Expect(st.Duration).To(Equal(time.Duration(perProducer - 1)))

		Expect(rec.Stop()).To(Succeed())
		Expect(rec.Status()).To(BeNil())
		Expect(rec.RecordMessage(&format.Message{})).To(Succeed())

		r, err := reader.OpenBytes(buf.Bytes(), nil)
		Expect(err).ToNot(HaveOccurred())
		defer r.Close()
		Expect(r.MessageCount()).To(Equal(uint64(producers * perProducer)))
		for _, id := range ids {
			Expect(r.MessageCountForChannel(id)).To(Equal(uint64(perProducer)))
		}
	})
})

func TestReplay(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Testing replay")
}
