// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package replay

import (
	"io"
	"time"

	"github.com/danjacques/gomcap/format"
	"github.com/danjacques/gomcap/reader"
	"github.com/danjacques/gomcap/support/logging"

	"github.com/pkg/errors"
)

// ErrNotRunning is returned by operations that require a running or paused
// Scheduler.
var ErrNotRunning = errors.New("scheduler is not running")

// Unbounded, passed as either end of SetTimeRange, leaves that end of the
// range at the file's first or last message.
const Unbounded = -1

// State is a Scheduler's playback state.
type State int

const (
	// StateIdle is the state of a Scheduler that has never been started.
	StateIdle State = iota
	// StateRunning is the state of a Scheduler that emits messages on Tick.
	StateRunning
	// StatePaused is the state of a started Scheduler that ignores ticks.
	StatePaused
	// StateStopped is the state of a Scheduler that was stopped, or that reached
	// the end of its range without looping.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Scheduler replays a file's messages against a virtual clock.
//
// The Scheduler does no work of its own. Its owner drives it by calling Tick
// with the real time that has elapsed since the previous call. Each Tick
// advances the virtual clock, scaled by the playback speed, and synchronously
// emits every message whose time relative to the start of the range has been
// reached, in playback order.
//
// A Scheduler is not safe for concurrent use. Its exported fields must not be
// changed after it has been started.
type Scheduler struct {
	// Reader is the file to replay. It must have a Summary.
	Reader *reader.Reader

	// OnMessage, if not nil, receives every emitted message.
	OnMessage func(*format.Message)

	// Logger is the logger instance to use. If nil, no logging will be
	// performed.
	Logger logging.L

	state State

	rangeStart int64
	rangeEnd   int64
	rangeSet   bool

	filter  []uint16
	speed   float64
	looping bool

	it     *reader.Iterator
	logger logging.L

	// start and end are the resolved bounds of the current range.
	start uint64
	end   uint64
	// clock is the virtual playback position, relative to start.
	clock time.Duration
	// last is the most recently emitted message, or nil if none has been emitted
	// since the range was last entered.
	last *format.Message

	emitted   int64
	loops     int64
	lastError string
}

// SchedulerStatus is a snapshot of a Scheduler's status.
type SchedulerStatus struct {
	State    State
	Position time.Duration
	Duration time.Duration
	Start    uint64
	End      uint64
	Speed    float64
	Looping  bool
	Emitted  int64
	Loops    int64
	Error    string
}

func (s *Scheduler) result(err error) error {
	if err != nil {
		s.lastError = err.Error()
		schedulerErrors.Inc()
	}
	return err
}

// LastError returns the description of the most recent failed operation, or
// an empty string if no operation has failed.
func (s *Scheduler) LastError() string { return s.lastError }

// State returns the Scheduler's state.
func (s *Scheduler) State() State { return s.state }

func (s *Scheduler) active() bool { return s.state == StateRunning || s.state == StatePaused }

// SetTimeRange limits playback to messages whose log times are within
// [start, end]. Either bound may be Unbounded.
//
// If the Scheduler is active, playback restarts at the new start.
func (s *Scheduler) SetTimeRange(start, end int64) error {
	switch {
	case start < Unbounded, end < Unbounded:
		return s.result(errors.Wrapf(format.ErrInvalidRange, "negative bound in [%d, %d]", start, end))
	case start != Unbounded && end != Unbounded && end < start:
		return s.result(errors.Wrapf(format.ErrInvalidRange, "end %d is before start %d", end, start))
	}

	prevStart, prevEnd, prevSet := s.rangeStart, s.rangeEnd, s.rangeSet
	s.rangeStart, s.rangeEnd, s.rangeSet = start, end, true
	if !s.active() {
		return nil
	}
	if err := s.restart(); err != nil {
		// Playback continues on the previous range.
		s.rangeStart, s.rangeEnd, s.rangeSet = prevStart, prevEnd, prevSet
		return err
	}
	return nil
}

// SetChannelFilter limits playback to the specified channels. An empty filter
// plays every channel.
//
// If the Scheduler is active, playback continues after the last emitted
// message, so no message is emitted twice.
func (s *Scheduler) SetChannelFilter(ids []uint16) error {
	s.filter = append([]uint16(nil), ids...)
	if !s.active() {
		return nil
	}

	s.it.RestrictToChannels(s.filter...)
	if s.last == nil {
		s.it.SeekToTime(s.position())
		return nil
	}
	return s.result(s.it.SeekAfter(s.last))
}

// position returns the log time of the virtual clock, clamped to the range.
func (s *Scheduler) position() uint64 {
	pos := s.start + uint64(s.clock)
	if pos < s.start || pos > s.end {
		return s.end
	}
	return pos
}

// SetSpeed sets the playback speed. Speeds that are not positive reset it to
// 1.
func (s *Scheduler) SetSpeed(f float64) {
	if f <= 0 {
		f = 1
	}
	s.speed = f
}

func (s *Scheduler) playbackSpeed() float64 {
	if s.speed <= 0 {
		return 1
	}
	return s.speed
}

// SetLooping sets whether playback restarts at the beginning of the range
// after its last message.
func (s *Scheduler) SetLooping(v bool) { s.looping = v }

// Start begins playback at the start of the range. If the Scheduler is
// already active, playback restarts.
//
// Start fails if the Reader has no Summary, or if the range holds no
// messages.
func (s *Scheduler) Start() error {
	if s.Reader == nil {
		return s.result(errors.Wrap(format.ErrSummaryUnavailable, "scheduler has no reader"))
	}
	if !s.Reader.HasSummary() {
		return s.result(errors.Wrap(format.ErrSummaryUnavailable, "cannot schedule a file without a summary"))
	}
	s.logger = logging.Must(s.Logger)
	return s.restart()
}

func (s *Scheduler) restart() error {
	start, end, err := s.resolveRange()
	if err != nil {
		return s.result(err)
	}

	count, err := s.countInRange(start, end)
	if err != nil {
		return s.result(err)
	}
	if count == 0 {
		return s.result(errors.Wrapf(format.ErrInvalidRange, "range [%d, %d] holds no messages", start, end))
	}

	if s.it == nil {
		if s.it, err = s.Reader.NewIterator(); err != nil {
			return s.result(err)
		}
	}
	s.it.RestrictToChannels(s.filter...)

	s.start, s.end = start, end
	s.enterRange()

	if !s.active() {
		schedulerRunningGauge.Inc()
	}
	s.state = StateRunning
	s.logger.Infof("Scheduling %d message(s) in [%d, %d] at %.2fx.", count, start, end, s.playbackSpeed())
	return nil
}

// resolveRange resolves the configured range against the file's bounds.
func (s *Scheduler) resolveRange() (start, end uint64, err error) {
	if start, err = s.Reader.FirstMessageTime(); err != nil {
		return
	}
	if end, err = s.Reader.LastMessageTime(); err != nil {
		return
	}

	if s.rangeSet {
		if s.rangeStart != Unbounded {
			start = uint64(s.rangeStart)
		}
		if s.rangeEnd != Unbounded {
			end = uint64(s.rangeEnd)
		}
	}
	if end < start {
		err = errors.Wrapf(format.ErrInvalidRange, "end %d is before start %d", end, start)
	}
	return
}

func (s *Scheduler) countInRange(start, end uint64) (uint64, error) {
	if len(s.filter) == 0 {
		return s.Reader.MessageCountInRange(start, end)
	}

	var total uint64
	for _, id := range s.filter {
		count, err := s.Reader.MessageCountForChannelInRange(id, start, end)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

// enterRange positions playback at the start of the range.
func (s *Scheduler) enterRange() {
	s.it.SeekToTime(s.start)
	s.clock = 0
	s.last = nil
}

// Stop ends playback and releases the Scheduler's iterator. Stop on an
// inactive Scheduler does nothing.
func (s *Scheduler) Stop() {
	if !s.active() {
		return
	}
	s.stop()
}

func (s *Scheduler) stop() {
	if s.it != nil {
		if err := s.it.Close(); err != nil {
			s.logger.Warnf("Failed to close iterator: %s", err)
		}
		s.it = nil
	}
	s.state = StateStopped
	schedulerRunningGauge.Dec()
}

// Pause suspends a running Scheduler. Ticks are ignored until Resume.
func (s *Scheduler) Pause() {
	if s.state == StateRunning {
		s.state = StatePaused
	}
}

// Resume resumes a paused Scheduler.
func (s *Scheduler) Resume() {
	if s.state == StatePaused {
		s.state = StateRunning
	}
}

// SeekToTime moves playback to log time t, which is clamped to the range.
// The next Tick emits messages from t onward.
func (s *Scheduler) SeekToTime(t uint64) error {
	if !s.active() {
		return s.result(errors.Wrapf(ErrNotRunning, "cannot seek while %s", s.state))
	}

	switch {
	case t < s.start:
		t = s.start
	case t > s.end:
		t = s.end
	}
	s.it.SeekToTime(t)
	s.clock = time.Duration(t - s.start)
	s.last = nil
	return nil
}

// Tick advances the virtual clock by delta, scaled by the playback speed, and
// emits every message that the clock has reached. It returns the number of
// messages emitted.
//
// Ticks on a Scheduler that is not running do nothing.
func (s *Scheduler) Tick(delta time.Duration) (int, error) {
	if s.state != StateRunning {
		return 0, nil
	}
	if delta > 0 {
		s.clock += time.Duration(float64(delta) * s.playbackSpeed())
	}

	limit := s.position()

	var (
		n       int
		tickErr error
	)
	for {
		m, err := s.it.Peek()
		switch {
		case err == io.EOF:
			return n, s.finishRange(tickErr)
		case err != nil:
			// The unreadable chunk has been skipped.
			s.logger.Warnf("Skipping unreadable messages: %s", err)
			tickErr = s.result(err)
			continue
		case m.LogTime > s.end:
			return n, s.finishRange(tickErr)
		case m.LogTime > limit:
			return n, tickErr
		}

		if _, err := s.it.Next(); err != nil {
			return n, s.result(err)
		}
		s.last = m
		s.emitted++
		n++
		schedulerEmitted.Inc()
		if s.OnMessage != nil {
			s.OnMessage(m)
		}
	}
}

// finishRange handles the end of the range: it loops or stops.
func (s *Scheduler) finishRange(err error) error {
	if s.looping {
		s.loops++
		schedulerLoops.Inc()
		s.logger.Debugf("Reached the end of the range; starting loop #%d.", s.loops)
		s.enterRange()
		return err
	}

	s.logger.Infof("Reached the end of the range after %d message(s).", s.emitted)
	s.stop()
	return err
}

// Status returns a snapshot of the Scheduler's status.
func (s *Scheduler) Status() *SchedulerStatus {
	return &SchedulerStatus{
		State:    s.state,
		Position: s.clock,
		Duration: time.Duration(s.end - s.start),
		Start:    s.start,
		End:      s.end,
		Speed:    s.playbackSpeed(),
		Looping:  s.looping,
		Emitted:  s.emitted,
		Loops:    s.loops,
		Error:    s.lastError,
	}
}
