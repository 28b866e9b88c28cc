// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package archivestore

import "context"

// Change reports new user settings for an archive.
type Change struct {
	Key      string
	Settings UserSettings
}

type subscription struct {
	changes chan Change
	done    chan struct{}
}

// Subscribe returns a channel of settings changes made after the call.
// Delivery is lossless: a writer blocks until every subscriber has
// room, or until the writer's context ends. Call cancel to stop
// receiving; the channel is not closed.
func (s *Store) Subscribe() (changes <-chan Change, cancel func()) {
	sub := &subscription{
		changes: make(chan Change, 64),
		done:    make(chan struct{}),
	}
	s.subscribersMu.Lock()
	s.subscribers[sub] = struct{}{}
	s.subscribersMu.Unlock()

	return sub.changes, func() {
		s.subscribersMu.Lock()
		defer s.subscribersMu.Unlock()
		if _, ok := s.subscribers[sub]; ok {
			delete(s.subscribers, sub)
			close(sub.done)
		}
	}
}

func (s *Store) publish(ctx context.Context, change Change) {
	s.subscribersMu.Lock()
	subs := make([]*subscription, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribersMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.changes <- change:
		case <-sub.done:
		case <-ctx.Done():
			s.logger.Warn("settings change not delivered", "key", change.Key, "error", ctx.Err())
			return
		}
	}
}
