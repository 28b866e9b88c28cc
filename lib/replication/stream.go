// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/codec"
)

var (
	// ErrHandshake means the peer's first message was not a valid
	// handshake for this archive.
	ErrHandshake = errors.New("replication: handshake failed")

	// ErrProtocol means the peer sent a message this side can not
	// interpret.
	ErrProtocol = errors.New("replication: protocol violation")

	// ErrPeerClosed means the peer ended the stream.
	ErrPeerClosed = errors.New("replication: peer closed the stream")

	// ErrClosed means Close was called.
	ErrClosed = errors.New("replication: stream closed")
)

// DefaultWantBatch bounds the blocks requested per feed at one time.
const DefaultWantBatch = 64

// Options configure a Stream.
type Options struct {
	// ID is sent in the handshake to identify this daemon.
	ID string

	// Upload serves heads and blocks to the peer.
	Upload bool

	// Download applies the peer's heads and requests wanted blocks.
	Download bool

	// WantBatch defaults to DefaultWantBatch.
	WantBatch int

	Logger *slog.Logger
}

// Stream replicates one archive with one peer.
type Stream struct {
	conn      io.ReadWriteCloser
	archive   *archive.Archive
	download  bool
	wantBatch int
	logger    *slog.Logger

	mu          sync.Mutex
	upload      bool
	remote      Handshake
	requested   map[string]map[uint64]struct{}
	remoteWants map[string]map[uint64]struct{}
	sentHead    map[string]uint64
	acks        map[uint64]chan struct{}
	nextSeq     uint64

	outMu    sync.Mutex
	outbox   []message
	outReady chan struct{}

	poke chan struct{}

	handshake     chan struct{}
	handshakeOnce sync.Once

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}
	err       error
}

// NewStream prepares a stream over conn. Nothing is sent until Run.
func NewStream(conn io.ReadWriteCloser, a *archive.Archive, opts Options) *Stream {
	if opts.WantBatch <= 0 {
		opts.WantBatch = DefaultWantBatch
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Stream{
		conn:        conn,
		archive:     a,
		download:    opts.Download,
		wantBatch:   opts.WantBatch,
		logger:      opts.Logger,
		upload:      opts.Upload,
		requested:   make(map[string]map[uint64]struct{}),
		remoteWants: make(map[string]map[uint64]struct{}),
		sentHead:    make(map[string]uint64),
		acks:        make(map[uint64]chan struct{}),
		outReady:    make(chan struct{}, 1),
		poke:        make(chan struct{}, 1),
		handshake:   make(chan struct{}),
		closing:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	// The handshake is queued first so that a Renegotiate before Run
	// still follows it on the wire.
	s.enqueue(message{Type: typeHandshake, Handshake: &Handshake{
		DiscoveryKey: a.DiscoveryKey(),
		ID:           opts.ID,
		Upload:       opts.Upload,
		Download:     opts.Download,
	}})
	return s
}

// Handshake is closed once the peer's handshake has been accepted.
func (s *Stream) Handshake() <-chan struct{} { return s.handshake }

// Remote returns the peer's handshake, with Upload reflecting the
// latest reset. Valid after Handshake is closed.
func (s *Stream) Remote() Handshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Uploading reports whether this side currently serves the peer.
func (s *Stream) Uploading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upload
}

// Done is closed when Run returns.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err is the error Run returned. Valid after Done is closed.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Close ends the stream. Run returns ErrClosed.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.conn.Close()
}

// Run sends the handshake and replicates until the peer disconnects,
// a protocol error occurs, ctx ends, or Close is called. It always
// returns a non-nil error explaining why the stream ended.
func (s *Stream) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return s.writeLoop(ctx) })
	group.Go(func() error { return s.readLoop(ctx) })
	group.Go(func() error { return s.syncLoop(ctx) })
	group.Go(func() error {
		<-ctx.Done()
		s.conn.Close()
		return nil
	})
	err := group.Wait()
	if s.isClosing() {
		err = ErrClosed
	}
	s.err = err
	close(s.done)
	return err
}

func (s *Stream) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *Stream) enqueue(msg message) {
	s.outMu.Lock()
	s.outbox = append(s.outbox, msg)
	s.outMu.Unlock()
	select {
	case s.outReady <- struct{}{}:
	default:
	}
}

func (s *Stream) wake() {
	select {
	case s.poke <- struct{}{}:
	default:
	}
}

// writeLoop drains the outbox. Writes never happen on the read path,
// so two streams joined by a synchronous pipe can not deadlock each
// other.
func (s *Stream) writeLoop(ctx context.Context) error {
	for {
		s.outMu.Lock()
		batch := s.outbox
		s.outbox = nil
		s.outMu.Unlock()

		for _, msg := range batch {
			if err := codec.WriteFrame(s.conn, msg); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("replication: sending %s: %w", msg.Type, err)
			}
		}
		select {
		case <-s.outReady:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Stream) readLoop(ctx context.Context) error {
	handshaken := false
	for {
		var msg message
		if err := codec.ReadFrame(s.conn, &msg); err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case s.isClosing():
				return ErrClosed
			case errors.Is(err, io.EOF):
				return ErrPeerClosed
			}
			return fmt.Errorf("replication: %w", err)
		}

		if !handshaken {
			if err := s.handleHandshake(msg); err != nil {
				return err
			}
			handshaken = true
			continue
		}

		var err error
		switch msg.Type {
		case typeHead:
			err = s.handleHead(msg)
		case typeWant:
			err = s.handleWant(msg)
		case typeData:
			err = s.handleData(msg)
		case typeReset:
			s.handleReset(msg)
		case typeResetAck:
			s.handleResetAck(msg)
		default:
			err = fmt.Errorf("%w: unknown message type %q", ErrProtocol, msg.Type)
		}
		if err != nil {
			return err
		}
	}
}

func (s *Stream) handleHandshake(msg message) error {
	if msg.Type != typeHandshake || msg.Handshake == nil {
		return fmt.Errorf("%w: first message is %q", ErrHandshake, msg.Type)
	}
	if msg.Handshake.DiscoveryKey != s.archive.DiscoveryKey() {
		return fmt.Errorf("%w: peer is replicating %s", ErrHandshake, msg.Handshake.DiscoveryKey.Short())
	}
	s.mu.Lock()
	s.remote = *msg.Handshake
	s.mu.Unlock()
	s.handshakeOnce.Do(func() { close(s.handshake) })
	s.logger.Debug("replication handshake complete",
		"peer", msg.Handshake.ID, "peer_upload", msg.Handshake.Upload, "peer_download", msg.Handshake.Download)
	s.wake()
	return nil
}

func (s *Stream) feed(name string) (*archive.Feed, error) {
	switch name {
	case archive.MetadataFeed:
		return s.archive.Metadata(), nil
	case archive.ContentFeed:
		return s.archive.Content(), nil
	}
	return nil, fmt.Errorf("%w: unknown feed %q", ErrProtocol, name)
}

func (s *Stream) handleHead(msg message) error {
	if msg.Head == nil {
		return fmt.Errorf("%w: head message without a head", ErrProtocol)
	}
	if !s.download {
		return nil
	}
	feed, err := s.feed(msg.Head.Feed)
	if err != nil {
		return err
	}
	grew, err := feed.ApplyHead(*msg.Head)
	if err != nil {
		return fmt.Errorf("replication: %s head from peer: %w", msg.Head.Feed, err)
	}
	if grew {
		s.logger.Debug("feed extended by peer", "feed", msg.Head.Feed, "length", msg.Head.Length)
	}
	return nil
}

// handleWant records the peer's wants. They are served by the sync
// loop as soon as this side uploads and holds the blocks.
func (s *Stream) handleWant(msg message) error {
	if _, err := s.feed(msg.Feed); err != nil {
		return err
	}
	s.mu.Lock()
	wants := s.remoteWants[msg.Feed]
	if wants == nil {
		wants = make(map[uint64]struct{})
		s.remoteWants[msg.Feed] = wants
	}
	for _, index := range msg.Indices {
		wants[index] = struct{}{}
	}
	s.mu.Unlock()
	s.wake()
	return nil
}

func (s *Stream) handleData(msg message) error {
	feed, err := s.feed(msg.Feed)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.requested[msg.Feed], msg.Index)
	s.mu.Unlock()
	if !s.download {
		return nil
	}
	if err := feed.PutBlock(msg.Index, msg.Data); err != nil {
		return fmt.Errorf("replication: block from peer: %w", err)
	}
	return nil
}

// handleReset adopts the peer's new upload intent. Requests sent under
// the old intent may have been dropped, so they are forgotten and
// re-sent by the sync loop.
func (s *Stream) handleReset(msg message) {
	s.mu.Lock()
	s.remote.Upload = msg.Upload
	peer := s.remote.ID
	clear(s.requested)
	s.mu.Unlock()
	s.logger.Debug("peer renegotiated", "peer", peer, "peer_upload", msg.Upload)
	s.enqueue(message{Type: typeResetAck, Seq: msg.Seq})
	s.wake()
}

func (s *Stream) handleResetAck(msg message) {
	s.mu.Lock()
	ack, ok := s.acks[msg.Seq]
	delete(s.acks, msg.Seq)
	s.mu.Unlock()
	if ok {
		close(ack)
	}
}

// Renegotiate changes this side's upload intent and waits until the
// peer acknowledges it. Bound the wait with ctx.
func (s *Stream) Renegotiate(ctx context.Context, upload bool) error {
	s.mu.Lock()
	s.upload = upload
	if upload {
		clear(s.sentHead)
	}
	s.nextSeq++
	seq := s.nextSeq
	ack := make(chan struct{})
	s.acks[seq] = ack
	s.mu.Unlock()

	s.enqueue(message{Type: typeReset, Upload: upload, Seq: seq})
	s.wake()

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.acks, seq)
		s.mu.Unlock()
		return fmt.Errorf("replication: waiting for reset acknowledgment: %w", ctx.Err())
	case <-s.done:
		return ErrClosed
	}
}

func (s *Stream) syncLoop(ctx context.Context) error {
	select {
	case <-s.handshake:
	case <-ctx.Done():
		return ctx.Err()
	}
	for {
		changed := s.archive.Changed()
		s.sync()
		select {
		case <-changed:
		case <-s.poke:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Stream) sync() {
	feeds := []*archive.Feed{s.archive.Metadata(), s.archive.Content()}

	s.mu.Lock()
	upload := s.upload
	remoteUploads := s.remote.Upload
	s.mu.Unlock()

	if upload {
		for _, feed := range feeds {
			s.announce(feed)
			s.serve(feed)
		}
	}
	if s.download && remoteUploads {
		for _, feed := range feeds {
			s.request(feed)
		}
	}
}

// announce sends the feed head if it grew since it was last sent. An
// empty head is still sent: it tells the peer the feed is complete.
func (s *Stream) announce(feed *archive.Feed) {
	if !feed.Known() {
		return
	}
	head := feed.Head()
	s.mu.Lock()
	last, sent := s.sentHead[feed.Name()]
	if sent && head.Length <= last {
		s.mu.Unlock()
		return
	}
	s.sentHead[feed.Name()] = head.Length
	s.mu.Unlock()
	s.enqueue(message{Type: typeHead, Head: &head})
}

func (s *Stream) serve(feed *archive.Feed) {
	s.mu.Lock()
	var ready []uint64
	for index := range s.remoteWants[feed.Name()] {
		if feed.Has(index) {
			ready = append(ready, index)
			delete(s.remoteWants[feed.Name()], index)
		}
	}
	s.mu.Unlock()

	for _, index := range ready {
		data, err := feed.Get(index)
		if err != nil {
			s.logger.Warn("wanted block unreadable", "feed", feed.Name(), "index", index, "error", err)
			continue
		}
		s.enqueue(message{Type: typeData, Feed: feed.Name(), Index: index, Data: data})
	}
}

func (s *Stream) request(feed *archive.Feed) {
	s.mu.Lock()
	requested := s.requested[feed.Name()]
	if requested == nil {
		requested = make(map[uint64]struct{})
		s.requested[feed.Name()] = requested
	}
	room := s.wantBatch - len(requested)
	s.mu.Unlock()
	if room <= 0 {
		return
	}

	candidates := feed.Wants(room + len(requested))
	s.mu.Lock()
	var indices []uint64
	for _, index := range candidates {
		if len(indices) >= room {
			break
		}
		if _, ok := requested[index]; !ok {
			requested[index] = struct{}{}
			indices = append(indices, index)
		}
	}
	s.mu.Unlock()
	if len(indices) > 0 {
		s.enqueue(message{Type: typeWant, Feed: feed.Name(), Indices: indices})
	}
}
