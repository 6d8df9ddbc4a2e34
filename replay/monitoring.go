// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package replay

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	recorderRecordingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gomcap_recorder_recording",
		Help: "Count of active recorders recording.",
	})

	recorderErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gomcap_recorder_errors",
		Help: "Count of general recorder errors encountered.",
	}, []string{"type"})

	recorderMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gomcap_recorder_messages",
		Help: "Count of recorded messages.",
	})

	schedulerRunningGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gomcap_scheduler_running",
		Help: "Count of started schedulers that have not stopped.",
	})

	schedulerEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gomcap_scheduler_emitted",
		Help: "Count of messages emitted by schedulers.",
	})

	schedulerLoops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gomcap_scheduler_loops",
		Help: "Count of times a looping scheduler restarted its range.",
	})

	schedulerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gomcap_scheduler_errors",
		Help: "Count of scheduler errors encountered.",
	})

	playerPlayingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gomcap_player_playing",
		Help: "Count of active players.",
	})

	playerPausedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gomcap_player_paused",
		Help: "Incremented when a player is paused, decremented on resume.",
	})

	playerTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gomcap_player_ticks",
		Help: "Count of ticks delivered by players to their schedulers.",
	})

	playerSentBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gomcap_player_sent_bytes",
		Help: "Count of message payload bytes sent by players.",
	})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		// Recorder
		recorderRecordingGauge,
		recorderErrors,
		recorderMessages,

		// Scheduler
		schedulerRunningGauge,
		schedulerEmitted,
		schedulerLoops,
		schedulerErrors,

		// Player
		playerPlayingGauge,
		playerPausedGauge,
		playerTicks,
		playerSentBytes,
	)
}
