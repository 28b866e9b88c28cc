// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts the time operations used by the drive daemon
// so that handshake deadlines, upload settle delays, and metadata
// refresh debouncing can be driven deterministically in tests.
//
// Production code takes Real(). Tests take Fake(start) and move time
// with Advance.
package clock

import "time"

// Clock is the subset of the time package that drive code depends on.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives once d has elapsed. A
	// non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc arranges for f to run once d has elapsed. The returned
	// Timer can cancel the call.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancellable pending call created by AfterFunc.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call. It reports whether the call was
// cancelled before it ran.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := time.AfterFunc(d, f)
	return &Timer{stop: timer.Stop}
}
