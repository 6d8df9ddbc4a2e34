// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

// Package stagingdir stages output files in a temporary directory and moves
// them into place once they are complete.
package stagingdir

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// D manages a staging directory.
//
// While D is active, its files reside in a temporary location. Once finished,
// a staged file can be committed, atomically moving it into its destination.
// Destroy deletes the directory along with anything left in it.
type D struct {
	// path is the path of the staging directory.
	path string
}

// New creates a new staging directory underneath of tempDir. If tempDir is
// empty, the system temporary directory is used.
//
// The directory will be created with the specified prefix.
func New(tempDir, prefix string) (*D, error) {
	stagingPath, err := ioutil.TempDir(tempDir, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "creating staging directory")
	}
	return &D{path: stagingPath}, nil
}

// Path returns the path of the staged file name.
func (sd *D) Path(name string) string {
	if sd.path == "" {
		panic("staging directory is destroyed")
	}
	return filepath.Join(sd.path, name)
}

// Create creates the staged file name for writing.
func (sd *D) Create(name string) (*os.File, error) {
	fd, err := os.Create(sd.Path(name))
	if err != nil {
		return nil, errors.Wrapf(err, "creating staged file %q", name)
	}
	return fd, nil
}

// Destroy purges the staging directory and its contents.
func (sd *D) Destroy() error {
	if sd.path == "" {
		// There is nothing to destroy.
		return nil
	}

	if err := os.RemoveAll(sd.path); err != nil {
		return err
	}

	sd.path = "" // Destroyed.
	return nil
}

// Commit moves the staged file name to dest, replacing anything already
// there, and then destroys the staging directory.
//
// The staged file must be closed before it is committed.
func (sd *D) Commit(name, dest string) error {
	if sd.path == "" {
		return errors.New("invalid staging directory")
	}

	// Rename is atomic when source and destination share a filesystem.
	src := sd.Path(name)
	if err := os.Rename(src, dest); err != nil {
		return errors.Wrapf(err, "moving staged file into place (%q => %q)", src, dest)
	}
	return sd.Destroy()
}
