// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

const lockFileName = "daemon.lock"

// rootLock is an exclusive flock on the data root. It is released
// when the process exits even if Release is never called.
type rootLock struct {
	file *os.File
}

// acquireLock takes the data root's lock without blocking, failing
// when another daemon already holds it.
func acquireLock(root string) (*rootLock, error) {
	path := filepath.Join(root, lockFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("another drive daemon is using %s", root)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if err := file.Truncate(0); err == nil {
		file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &rootLock{file: file}, nil
}

func (l *rootLock) Release() error {
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	return l.file.Close()
}
