// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

package tool

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danjacques/gomcap/format"
	"github.com/danjacques/gomcap/reader"
	"github.com/danjacques/gomcap/replay"
	"github.com/danjacques/gomcap/writer"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type replayOptions struct {
	speed       float64
	loop        bool
	topic       string
	start       int64
	end         int64
	interval    time.Duration
	metricsAddr string
	quiet       bool
}

func (a *app) replayCommand() *cobra.Command {
	var opts replayOptions

	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Replay a file's messages in real time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.openReader(args[0])
			if err != nil {
				return err
			}
			defer a.closeReader(r)

			c, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return a.replay(c, r, &opts)
		},
	}

	fs := cmd.Flags()
	fs.Float64Var(&opts.speed, "speed", 1, "Playback speed multiplier.")
	fs.BoolVar(&opts.loop, "loop", false, "Restart playback at the end of the range.")
	fs.StringVar(&opts.topic, "topic", "", "Only replay messages on this topic.")
	fs.Int64Var(&opts.start, "start", replay.Unbounded, "Start of the replay range in ns (-1 for the first message).")
	fs.Int64Var(&opts.end, "end", replay.Unbounded, "End of the replay range in ns (-1 for the last message).")
	fs.DurationVar(&opts.interval, "interval", replay.DefaultTickInterval, "Real time between scheduler ticks.")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "If set, serve Prometheus metrics on this address.")
	fs.BoolVar(&opts.quiet, "quiet", false, "Do not print replayed messages.")
	return cmd
}

func (a *app) replay(c context.Context, r *reader.Reader, opts *replayOptions) error {
	ids, err := resolveTopic(r, opts.topic)
	if err != nil {
		return err
	}

	sched := replay.Scheduler{
		Reader: r,
		Logger: a.logger,
	}
	sched.SetSpeed(opts.speed)
	sched.SetLooping(opts.loop)
	if err := sched.SetTimeRange(opts.start, opts.end); err != nil {
		return err
	}
	if err := sched.SetChannelFilter(ids); err != nil {
		return err
	}

	var sentBytes uint64
	p := replay.Player{
		Scheduler: &sched,
		Interval:  opts.interval,
		Logger:    a.logger,
		SendMessage: func(m *format.Message) {
			sentBytes += uint64(len(m.Data))
			if !opts.quiet {
				a.printf("%d [%d] seq=%d (%d byte(s))\n", m.LogTime, m.ChannelID, m.Sequence, len(m.Data))
			}
		},
	}

	g, c := errgroup.WithContext(c)

	var srv *http.Server
	if opts.metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reader.RegisterMonitoring(reg)
		replay.RegisterMonitoring(reg)
		writer.RegisterMonitoring(reg)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: opts.metricsAddr, Handler: mux}

		g.Go(func() error {
			a.logger.Infof("Serving metrics on %q.", opts.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		if srv != nil {
			defer func() {
				if err := srv.Shutdown(context.Background()); err != nil {
					a.logger.Warnf("Failed to shut down metrics server: %s", err)
				}
			}()
		}

		if err := p.Play(c); err != nil {
			return err
		}
		defer p.Stop()

		select {
		case <-p.Done():
		case <-c.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	st := sched.Status()
	a.logger.Infof("Replayed %s message(s) (%s) with %d loop(s).",
		humanize.Comma(st.Emitted), humanize.Bytes(sentBytes), st.Loops)
	return nil
}
