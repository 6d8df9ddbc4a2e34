// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package writer

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	writerOpenGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gomcap_writer_open",
		Help: "Count of open writers.",
	})

	writerMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gomcap_writer_messages",
		Help: "Count of messages written.",
	})

	writerChunks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gomcap_writer_chunks",
		Help: "Count of chunks written, by compression.",
	}, []string{"compression"})

	writerChunkBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gomcap_writer_chunk_bytes",
		Help: "Count of chunk record bytes, before and after compression.",
	}, []string{"stage"})

	writerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gomcap_writer_errors",
		Help: "Count of writer errors, by type.",
	}, []string{"type"})
)

// RegisterMonitoring registers all of this package's monitoring metrics.
func RegisterMonitoring(reg prometheus.Registerer) {
	reg.MustRegister(
		writerOpenGauge,
		writerMessages,
		writerChunks,
		writerChunkBytes,
		writerErrors,
	)
}
