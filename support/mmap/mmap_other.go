// Copyright 2018 Dan Jacques. All rights reserved.
// Use of this source code is governed under the MIT License
// that can be found in the LICENSE file.

//go:build !unix

package mmap

import (
	"os"
)

func mapFile(f *os.File, size int) ([]byte, error) { return nil, ErrUnsupported }

func unmapFile(data []byte) error { return nil }
