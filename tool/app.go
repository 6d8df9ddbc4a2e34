// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package tool implements the gomcap command-line tool.
package tool

import (
	"fmt"
	"io"
	"os"

	"github.com/danjacques/gomcap/reader"
	"github.com/danjacques/gomcap/support/logging"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// app is the state shared by every gomcap subcommand.
type app struct {
	out     io.Writer
	verbose bool

	logger logging.L
	sync   func() error
}

// Main is the entry point of the gomcap tool.
func Main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	a := app{out: out}

	root := &cobra.Command{
		Use:   "gomcap",
		Short: "Inspect, convert, and replay MCAP files",

		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setupLogging()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.sync != nil {
				_ = a.sync()
			}
		},
	}
	root.SetOut(out)
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable verbose (development) logging.")

	root.AddCommand(
		a.infoCommand(),
		a.catCommand(),
		a.replayCommand(),
		a.recompressCommand(),
	)
	return root
}

func (a *app) setupLogging() error {
	var (
		zl  *zap.Logger
		err error
	)
	if a.verbose {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return errors.Wrap(err, "creating logger")
	}

	a.logger = zl.Sugar()
	a.sync = zl.Sync
	return nil
}

func (a *app) printf(f string, args ...interface{}) { fmt.Fprintf(a.out, f, args...) }

// openReader opens the file at path for a subcommand.
func (a *app) openReader(path string) (*reader.Reader, error) {
	r, err := reader.Open(path, &reader.Options{
		Logger: a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Debugf("Opened %q (%s, %d byte(s)).", path, r.SourceKind(), r.Size())
	return r, nil
}

// closeReader closes r, logging any error.
func (a *app) closeReader(r *reader.Reader) {
	if err := r.Close(); err != nil {
		a.logger.Warnf("Failed to close reader: %s", err)
	}
}

// resolveTopic returns the ids of the channels carrying topic. An empty topic
// resolves to no filter.
func resolveTopic(r *reader.Reader, topic string) ([]uint16, error) {
	if topic == "" {
		return nil, nil
	}
	return r.ChannelsForTopic(topic)
}
