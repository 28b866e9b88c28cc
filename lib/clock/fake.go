// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. A callback must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingCall
	changed *sync.Cond
}

type pendingCall struct {
	deadline  time.Time
	channel   chan time.Time
	callback  func()
	cancelled bool
	done      bool
}

// Fake returns a FakeClock reading start.
func Fake(start time.Time) *FakeClock {
	clock := &FakeClock{now: start}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.pending = append(c.pending, &pendingCall{deadline: c.now.Add(d), channel: channel})
	c.changed.Broadcast()
	return channel
}

// AfterFunc with a non-positive d runs f before returning.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}
	c.mu.Lock()
	call := &pendingCall{deadline: c.now.Add(d), callback: f}
	c.pending = append(c.pending, call)
	c.changed.Broadcast()
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if call.cancelled || call.done {
			return false
		}
		call.cancelled = true
		c.changed.Broadcast()
		return true
	}}
}

// Advance moves the clock forward by d and fires everything whose
// deadline has been reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due, remaining []*pendingCall
	for _, call := range c.pending {
		switch {
		case call.cancelled:
		case !call.deadline.After(now):
			call.done = true
			due = append(due, call)
		default:
			remaining = append(remaining, call)
		}
	}
	c.pending = remaining
	c.changed.Broadcast()
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, call := range due {
		if call.callback != nil {
			call.callback()
			continue
		}
		select {
		case call.channel <- now:
		default:
		}
	}
}

// WaitForTimers blocks until at least n calls are pending. Use it to
// close the race between a goroutine arming a timer and the test
// advancing past it.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.changed.Wait()
	}
}

// Pending returns the number of armed, uncancelled calls.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	count := 0
	for _, call := range c.pending {
		if !call.cancelled {
			count++
		}
	}
	return count
}
