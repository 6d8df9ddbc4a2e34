// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package replay

import (
	"context"
	"time"

	"github.com/danjacques/gomcap/format"
	"github.com/danjacques/gomcap/support/logging"

	"github.com/pkg/errors"
)

// DefaultTickInterval is the Player's tick interval if none is configured.
const DefaultTickInterval = 10 * time.Millisecond

// Player drives a Scheduler in real time from its own goroutine.
//
// The Player owns its Scheduler while playing; the Scheduler must not be used
// directly until the Player is stopped. A Player is not safe for concurrent
// use. Its exported fields must not be changed after playback has begun.
type Player struct {
	// Scheduler is the Scheduler to drive. It must not be nil.
	Scheduler *Scheduler

	// SendMessage, if not nil, receives every emitted message. It is called
	// synchronously from the Player's goroutine.
	SendMessage func(*format.Message)

	// Interval is the real time between ticks. If zero, DefaultTickInterval
	// is used.
	Interval time.Duration

	// Logger is the logger instance to use. If nil, no logging will be
	// performed.
	Logger logging.L

	ctx        context.Context
	cancelFunc context.CancelFunc

	playback *playerPlayback
}

// Play stops any current playback, starts the Scheduler, and begins driving
// it. Playback continues until Stop is called, c is cancelled, or the
// Scheduler stops at the end of its range.
func (p *Player) Play(c context.Context) error {
	// Stop any current playback.
	p.Stop()

	sched := p.Scheduler
	if p.SendMessage != nil {
		send := p.SendMessage
		sched.OnMessage = func(m *format.Message) {
			playerSentBytes.Add(float64(len(m.Data)))
			send(m)
		}
	}
	if err := sched.Start(); err != nil {
		return err
	}

	// We will cancel the Context ourselves on Stop. Retain this Context.
	p.ctx, p.cancelFunc = context.WithCancel(c)

	interval := p.Interval
	if interval <= 0 {
		interval = DefaultTickInterval
	}

	p.playback = &playerPlayback{
		sched:     sched,
		logger:    logging.Prefixed(p.Logger, "player"),
		interval:  interval,
		commandC:  make(chan *playerCommand),
		finishedC: make(chan struct{}),
	}
	go p.playback.playUntilStopped(p.ctx)
	return nil
}

// Done returns a channel that is closed when playback finishes. If nothing is
// playing, Done returns nil.
func (p *Player) Done() <-chan struct{} {
	if p.playback == nil {
		return nil
	}
	return p.playback.finishedC
}

// Status returns the current player status.
//
// If the player is not playing, Status will return nil.
func (p *Player) Status() *PlayerStatus {
	if p.playback == nil {
		return nil
	}

	statusC := make(chan *PlayerStatus, 1)
	if !p.playback.sendCommand(&playerCommand{status: statusC}) {
		return nil
	}
	return <-statusC
}

// Pause pauses playback. If nothing is playing, or if playback is already
// paused, Pause will do nothing.
func (p *Player) Pause() {
	p.playback.sendCommand(&playerCommand{pause: true})
}

// Resume resumes paused playback. If nothing is playing, or if playback is not
// paused, Resume will do nothing.
func (p *Player) Resume() {
	p.playback.sendCommand(&playerCommand{resume: true})
}

// Seek moves playback to log time t.
func (p *Player) Seek(t uint64) error {
	errC := make(chan error, 1)
	if !p.playback.sendCommand(&playerCommand{seek: &t, err: errC}) {
		return errors.Wrap(ErrNotRunning, "player is not playing")
	}
	return <-errC
}

// Stop stops playback and stops the Scheduler.
func (p *Player) Stop() {
	if p.playback == nil {
		return
	}

	p.cancelFunc()
	<-p.playback.finishedC
	p.playback = nil
}

// PlayerStatus describes the player's current status.
type PlayerStatus struct {
	Scheduler     *SchedulerStatus
	Ticks         int64
	TotalPlaytime time.Duration
	Paused        bool
}

// playerCommand is a command sent to the player's goroutine.
type playerCommand struct {
	pause  bool
	resume bool
	seek   *uint64

	err    chan<- error
	status chan<- *PlayerStatus
}

type playerPlayback struct {
	sched    *Scheduler
	logger   logging.L
	interval time.Duration

	commandC  chan *playerCommand
	finishedC chan struct{}

	startTime time.Time
	ticks     int64
	// pausedTime is the amount of time that we spent paused.
	pausedTime  time.Duration
	pausedStart time.Time
}

// sendCommand issues a command to the playerPlayback. It returns false if
// playback has finished.
//
// For convenience, if pp is nil, the command will be dropped. This helps avoid
// the need to check for nil for every command issuance point.
func (pp *playerPlayback) sendCommand(cmd *playerCommand) bool {
	if pp == nil {
		return false
	}

	select {
	case <-pp.finishedC:
		return false
	default:
	}

	select {
	case pp.commandC <- cmd:
		return true
	case <-pp.finishedC:
		return false
	}
}

// playUntilStopped is run in its own goroutine. It ticks the Scheduler until
// its Context is cancelled or the Scheduler stops.
func (pp *playerPlayback) playUntilStopped(c context.Context) {
	ticker := time.NewTicker(pp.interval)

	defer func() {
		ticker.Stop()
		pp.sched.Stop()

		// Signal that we've finished. Commands sent from now on are dropped.
		close(pp.finishedC)
	}()

	playerPlayingGauge.Inc()
	defer func() {
		playerPlayingGauge.Dec()
		if !pp.pausedStart.IsZero() {
			playerPausedGauge.Dec()
		}
	}()

	pp.startTime = time.Now()
	last := pp.startTime
	for {
		select {
		case <-c.Done():
			pp.logger.Debugf("Playback cancelled: %s", c.Err())
			return

		case cmd := <-pp.commandC:
			pp.processCommand(cmd)

		case now := <-ticker.C:
			delta := now.Sub(last)
			last = now

			pp.ticks++
			playerTicks.Inc()
			if _, err := pp.sched.Tick(delta); err != nil {
				pp.logger.Warnf("Error during playback: %s", err)
			}
			if pp.sched.State() == StateStopped {
				pp.logger.Infof("Playback finished after %d tick(s).", pp.ticks)
				return
			}
		}
	}
}

func (pp *playerPlayback) processCommand(cmd *playerCommand) {
	switch {
	case cmd.pause:
		if pp.sched.State() == StateRunning {
			pp.logger.Info("Player is paused.")
			pp.sched.Pause()
			pp.pausedStart = time.Now()
			playerPausedGauge.Inc()
		}

	case cmd.resume:
		if pp.sched.State() == StatePaused {
			pp.logger.Info("Player is resuming.")
			pp.sched.Resume()
			pp.pausedTime += time.Since(pp.pausedStart)
			pp.pausedStart = time.Time{}
			playerPausedGauge.Dec()
		}

	case cmd.seek != nil:
		cmd.err <- pp.sched.SeekToTime(*cmd.seek)

	case cmd.status != nil:
		// Calculate the total playtime, not counting time spent paused.
		now := time.Now()
		totalPlaytime := now.Sub(pp.startTime) - pp.pausedTime
		if !pp.pausedStart.IsZero() {
			totalPlaytime -= now.Sub(pp.pausedStart)
		}

		cmd.status <- &PlayerStatus{
			Scheduler:     pp.sched.Status(),
			Ticks:         pp.ticks,
			TotalPlaytime: totalPlaytime,
			Paused:        !pp.pausedStart.IsZero(),
		}
	}
}
