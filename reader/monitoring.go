// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package reader

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	readerSourcesGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gomcap_reader_sources",
		Help: "Count of open reader sources, by kind.",
	}, []string{"kind"})

	readerMmapFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gomcap_reader_mmap_fallbacks",
		Help: "Count of files that could not be mapped and were read instead.",
	})

	readerChunksDecoded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gomcap_reader_chunks_decoded",
		Help: "Count of chunks decompressed, by compression.",
	}, []string{"compression"})

	readerIteratorsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gomcap_reader_iterators",
		Help: "Count of open message iterators.",
	})

	readerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gomcap_reader_errors",
		Help: "Count of reader errors, by type.",
	}, []string{"type"})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		readerSourcesGauge,
		readerMmapFallbacks,
		readerChunksDecoded,
		readerIteratorsGauge,
		readerErrors,
	)
}
