// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package swarm connects archives to their peers.
//
// A Manager keeps one swarm per joined archive. Joining announces the
// archive's discovery key and starts a lookup task that dials the
// peers discovery returns; inbound connections arrive through Serve.
// Every connection, in either direction, goes through the same steps:
//
//  1. The dialer sends an open frame naming the discovery key and its
//     daemon ID; the listener answers with its own ID, or hangs up if it
//     does not swarm that archive.
//  2. Both sides prove knowledge of the archive key (transport.Authenticate).
//  3. A replication stream runs with download enabled and upload
//     enabled only while the archive is saved.
//
// A handshake timer armed when the connection appears tears it down
// unless the replication handshake completes in time. Failures of one
// connection are logged and never affect others.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/drive/lib/archive"
	"github.com/bureau-foundation/drive/lib/clock"
	"github.com/bureau-foundation/drive/lib/codec"
	"github.com/bureau-foundation/drive/lib/replication"
	"github.com/bureau-foundation/drive/transport"
)

// Defaults for Config durations left zero.
const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultSettleDelay      = 3 * time.Second
	DefaultLookupInterval   = 30 * time.Second
)

var (
	// ErrHandshakeTimeout ends connections whose replication handshake
	// did not complete within the handshake timeout.
	ErrHandshakeTimeout = errors.New("swarm: handshake timed out")

	// ErrDuplicate ends the redundant one of two connections to the
	// same peer for the same archive.
	ErrDuplicate = errors.New("swarm: duplicate connection to peer")

	// ErrClosed is returned by Join after Close.
	ErrClosed = errors.New("swarm: manager closed")
)

// Config configures a Manager.
type Config struct {
	// ID identifies this daemon to peers. Defaults to a random UUID.
	ID string

	// Address is announced to discovery for inbound connections. Empty
	// means this daemon only dials out.
	Address string

	Dialer    transport.Dialer
	Discovery Discovery

	HandshakeTimeout time.Duration

	// SettleDelay bounds how long Reconfigure waits for each peer to
	// acknowledge a change of upload intent.
	SettleDelay time.Duration

	LookupInterval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Manager owns the swarm connection sets of every joined archive.
type Manager struct {
	id               string
	address          string
	dialer           transport.Dialer
	discovery        Discovery
	handshakeTimeout time.Duration
	settleDelay      time.Duration
	lookupInterval   time.Duration
	clock            clock.Clock
	logger           *slog.Logger

	mu     sync.RWMutex
	swarms map[archive.DiscoveryKey]*swarm
	closed bool

	subscribersMu sync.Mutex
	subscribers   map[*subscriber]struct{}
}

type swarm struct {
	archive *archive.Archive
	upload  bool
	ctx     context.Context
	cancel  context.CancelFunc
	left    bool
	conns   map[string]*connection
	dialing map[string]struct{}
}

type connection struct {
	id       string
	remote   string
	outbound bool
	peerID   string
	conn     net.Conn
	stream   *replication.Stream

	established bool
	timer       *clock.Timer
	timedOut    atomic.Bool
	dropReason  atomic.Pointer[error]
}

// dialerID names the daemon that opened the connection. Both ends
// compute the same value, so both keep the same connection when
// deduplicating.
func (c *connection) dialerID(local string) string {
	if c.outbound {
		return local
	}
	return c.peerID
}

func (c *connection) drop(reason error) {
	c.dropReason.CompareAndSwap(nil, &reason)
	c.conn.Close()
}

// New creates a Manager. Dialer and Discovery are required.
func New(cfg Config) (*Manager, error) {
	if cfg.Dialer == nil || cfg.Discovery == nil {
		return nil, fmt.Errorf("swarm: Dialer and Discovery are required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.LookupInterval <= 0 {
		cfg.LookupInterval = DefaultLookupInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		id:               cfg.ID,
		address:          cfg.Address,
		dialer:           cfg.Dialer,
		discovery:        cfg.Discovery,
		handshakeTimeout: cfg.HandshakeTimeout,
		settleDelay:      cfg.SettleDelay,
		lookupInterval:   cfg.LookupInterval,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		swarms:           make(map[archive.DiscoveryKey]*swarm),
		subscribers:      make(map[*subscriber]struct{}),
	}, nil
}

// ID returns the daemon ID sent to peers.
func (m *Manager) ID() string { return m.id }

// Join starts swarming a. upload selects whether peers may download
// from this daemon. Joining an archive already swarming does nothing;
// use Reconfigure to change upload.
func (m *Manager) Join(a *archive.Archive, upload bool) error {
	key := a.DiscoveryKey()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.swarms[key]; ok {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &swarm{
		archive: a,
		upload:  upload,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*connection),
		dialing: make(map[string]struct{}),
	}
	m.swarms[key] = s
	m.mu.Unlock()

	a.SetSwarm(archive.SwarmState{IsSwarming: true})
	if m.address != "" {
		if err := m.discovery.Announce(ctx, key, m.address); err != nil {
			m.logger.Warn("announcing archive failed", "discovery_key", key.Short(), "error", err)
		}
	}
	go m.lookupLoop(s)

	m.logger.Info("joined swarm", "key", a.Key().String(), "upload", upload)
	m.publish(Event{Kind: EventJoined, DiscoveryKey: key})
	return nil
}

// Leave stops swarming a: every connection is closed, the
// announcement is withdrawn and the swarm state is cleared. Leaving an
// archive that is not swarming does nothing.
func (m *Manager) Leave(a *archive.Archive) error {
	key := a.DiscoveryKey()
	m.mu.Lock()
	s, ok := m.swarms[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.swarms, key)
	s.left = true
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	s.cancel()
	for _, c := range conns {
		c.drop(context.Canceled)
	}
	if m.address != "" {
		if err := m.discovery.Unannounce(context.Background(), key, m.address); err != nil {
			m.logger.Warn("withdrawing archive announcement failed", "discovery_key", key.Short(), "error", err)
		}
	}
	a.SetSwarm(archive.SwarmState{})

	m.logger.Info("left swarm", "key", a.Key().String(), "connections_closed", len(conns))
	m.publish(Event{Kind: EventLeft, DiscoveryKey: key})
	return nil
}

// Reconfigure changes the upload intent of a swarming archive. Every
// open stream sends a reset and waits for the peer's acknowledgment,
// bounded by the settle delay; a stream whose peer does not answer in
// time is closed and will be re-dialed by the lookup task. Archives
// that are not swarming, or whose intent is unchanged, are left alone.
func (m *Manager) Reconfigure(ctx context.Context, a *archive.Archive, upload bool) error {
	m.mu.Lock()
	s, ok := m.swarms[a.DiscoveryKey()]
	if !ok || s.upload == upload {
		m.mu.Unlock()
		return nil
	}
	s.upload = upload
	var conns []*connection
	for _, c := range s.conns {
		if c.stream != nil {
			conns = append(conns, c)
		}
	}
	m.mu.Unlock()

	var renegotiations sync.WaitGroup
	for _, c := range conns {
		renegotiations.Go(func() {
			settle, cancel := context.WithTimeout(ctx, m.settleDelay)
			defer cancel()
			if err := c.stream.Renegotiate(settle, upload); err != nil {
				m.logger.Info("peer did not acknowledge upload change, dropping connection",
					"connection", c.id, "remote", c.remote, "error", err)
				c.drop(err)
			}
		})
	}
	renegotiations.Wait()

	m.logger.Info("swarm reconfigured", "key", a.Key().String(), "upload", upload, "streams", len(conns))
	m.publish(Event{Kind: EventReconfigured, DiscoveryKey: a.DiscoveryKey(), PeerCount: m.PeerCount(a)})
	return ctx.Err()
}

// IsSwarming reports whether a has been joined and not left.
func (m *Manager) IsSwarming(a *archive.Archive) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.swarms[a.DiscoveryKey()]
	return ok
}

// PeerCount is the number of connections to a whose replication
// handshake completed.
func (m *Manager) PeerCount(a *archive.Archive) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.swarms[a.DiscoveryKey()]
	if !ok {
		return 0
	}
	return s.peerCountLocked()
}

// State returns a's swarm state as the manager sees it.
func (m *Manager) State(a *archive.Archive) archive.SwarmState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.swarms[a.DiscoveryKey()]
	if !ok {
		return archive.SwarmState{}
	}
	return archive.SwarmState{IsSwarming: true, PeerCount: s.peerCountLocked()}
}

func (s *swarm) peerCountLocked() int {
	count := 0
	for _, c := range s.conns {
		if c.established {
			count++
		}
	}
	return count
}

// Serve accepts inbound connections on listener until ctx ends.
func (m *Manager) Serve(ctx context.Context, listener transport.Listener) error {
	m.logger.Info("accepting peer connections", "address", listener.Address())
	return listener.Serve(ctx, m.handleInbound)
}

// Close leaves every swarm. Join fails afterwards.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	archives := make([]*archive.Archive, 0, len(m.swarms))
	for _, s := range m.swarms {
		archives = append(archives, s.archive)
	}
	m.mu.Unlock()
	for _, a := range archives {
		m.Leave(a)
	}
	return nil
}

func (m *Manager) lookupLoop(s *swarm) {
	key := s.archive.DiscoveryKey()
	for {
		addresses, err := m.discovery.Lookup(s.ctx, key)
		if err != nil && s.ctx.Err() == nil {
			m.logger.Warn("peer lookup failed", "discovery_key", key.Short(), "error", err)
		}
		for _, address := range addresses {
			if address != m.address {
				m.dial(s, address)
			}
		}
		select {
		case <-s.ctx.Done():
			return
		case <-m.clock.After(m.lookupInterval):
		}
	}
}

// dial connects to address unless a connection to it is already being
// made or running.
func (m *Manager) dial(s *swarm, address string) {
	m.mu.Lock()
	if _, busy := s.dialing[address]; busy || s.left {
		m.mu.Unlock()
		return
	}
	s.dialing[address] = struct{}{}
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(s.dialing, address)
			m.mu.Unlock()
		}()
		conn, err := m.dialer.DialContext(s.ctx, address)
		if err != nil {
			if s.ctx.Err() == nil {
				m.logger.Debug("dialing peer failed", "remote", address, "error", err)
			}
			return
		}
		c := m.newConnection(conn, address, true)
		request := openMessage{DiscoveryKey: s.archive.DiscoveryKey(), ID: m.id}
		if err := codec.WriteFrame(conn, request); err != nil {
			m.abandon(c, fmt.Errorf("sending open: %w", err))
			return
		}
		var response openMessage
		if err := codec.ReadFrame(conn, &response); err != nil {
			m.abandon(c, fmt.Errorf("peer refused archive: %w", err))
			return
		}
		c.peerID = response.ID
		m.run(s, c)
	}()
}

func (m *Manager) handleInbound(_ context.Context, conn net.Conn) {
	c := m.newConnection(conn, conn.RemoteAddr().String(), false)
	var request openMessage
	if err := codec.ReadFrame(conn, &request); err != nil {
		m.abandon(c, fmt.Errorf("reading open: %w", err))
		return
	}
	m.mu.RLock()
	s, ok := m.swarms[request.DiscoveryKey]
	m.mu.RUnlock()
	if !ok {
		m.abandon(c, fmt.Errorf("not swarming %s", request.DiscoveryKey.Short()))
		return
	}
	if err := codec.WriteFrame(conn, openMessage{DiscoveryKey: request.DiscoveryKey, ID: m.id}); err != nil {
		m.abandon(c, fmt.Errorf("answering open: %w", err))
		return
	}
	c.peerID = request.ID
	m.run(s, c)
}

// openMessage is the first frame in each direction.
type openMessage struct {
	DiscoveryKey archive.DiscoveryKey `cbor:"discoveryKey"`
	ID           string               `cbor:"id"`
}

// newConnection arms the handshake timer for a fresh connection.
func (m *Manager) newConnection(conn net.Conn, remote string, outbound bool) *connection {
	c := &connection{
		id:       uuid.NewString(),
		remote:   remote,
		outbound: outbound,
		conn:     conn,
	}
	c.timer = m.clock.AfterFunc(m.handshakeTimeout, func() {
		c.timedOut.Store(true)
		c.drop(ErrHandshakeTimeout)
	})
	return c
}

// abandon closes a connection that never joined a swarm.
func (m *Manager) abandon(c *connection, reason error) {
	c.timer.Stop()
	c.conn.Close()
	if c.timedOut.Load() {
		reason = ErrHandshakeTimeout
	}
	m.logger.Debug("peer connection abandoned", "connection", c.id, "remote", c.remote, "error", reason)
}

// run authenticates c, then replicates until the connection ends.
func (m *Manager) run(s *swarm, c *connection) {
	key := s.archive.DiscoveryKey()
	if c.peerID == m.id {
		m.abandon(c, errors.New("connected to self"))
		return
	}

	m.mu.Lock()
	if s.left {
		m.mu.Unlock()
		m.abandon(c, context.Canceled)
		return
	}
	s.conns[c.id] = c
	m.mu.Unlock()

	err := m.replicate(s, c)

	m.mu.Lock()
	delete(s.conns, c.id)
	peers := s.peerCountLocked()
	if !s.left && c.established {
		s.archive.SetSwarm(archive.SwarmState{IsSwarming: true, PeerCount: peers})
	}
	m.mu.Unlock()

	if reason := c.dropReason.Load(); reason != nil {
		err = *reason
	}
	if c.timedOut.Load() {
		err = ErrHandshakeTimeout
	}
	m.logger.Info("peer connection closed",
		"connection", c.id, "remote", c.remote, "peer", c.peerID, "discovery_key", key.Short(), "error", err)
	m.publish(Event{
		Kind:         EventDisconnected,
		DiscoveryKey: key,
		ConnectionID: c.id,
		Remote:       c.remote,
		PeerID:       c.peerID,
		PeerCount:    peers,
		Err:          err,
	})
}

func (m *Manager) replicate(s *swarm, c *connection) error {
	defer c.conn.Close()
	capability := replication.NewCapability(s.archive.Key())
	if err := transport.Authenticate(c.conn, capability, m.id, c.peerID); err != nil {
		c.timer.Stop()
		return err
	}

	m.mu.Lock()
	c.stream = replication.NewStream(c.conn, s.archive, replication.Options{
		ID:       m.id,
		Upload:   s.upload,
		Download: true,
		Logger:   m.logger.With("connection", c.id, "peer", c.peerID),
	})
	stream := c.stream
	m.mu.Unlock()

	go func() {
		select {
		case <-stream.Handshake():
			if c.timer.Stop() {
				m.established(s, c)
			}
		case <-stream.Done():
			c.timer.Stop()
		}
	}()
	return stream.Run(s.ctx)
}

// established counts c as a peer once its handshake completed, and
// resolves duplicate connections to the same peer: the connection
// opened by the daemon with the smaller ID survives.
func (m *Manager) established(s *swarm, c *connection) {
	m.mu.Lock()
	if s.left {
		m.mu.Unlock()
		return
	}
	if _, live := s.conns[c.id]; !live {
		m.mu.Unlock()
		return
	}
	c.established = true
	var losers []*connection
	for _, other := range s.conns {
		if other == c || !other.established || other.peerID != c.peerID {
			continue
		}
		otherDialer, dialer := other.dialerID(m.id), c.dialerID(m.id)
		if dialer < otherDialer {
			losers = append(losers, other)
			other.established = false
		} else {
			losers = append(losers, c)
			c.established = false
			break
		}
	}
	survived := c.established
	peers := s.peerCountLocked()
	s.archive.SetSwarm(archive.SwarmState{IsSwarming: true, PeerCount: peers})
	m.mu.Unlock()

	for _, loser := range losers {
		loser.drop(ErrDuplicate)
	}
	if !survived {
		return
	}
	m.logger.Info("peer connected",
		"connection", c.id, "remote", c.remote, "peer", c.peerID,
		"discovery_key", s.archive.DiscoveryKey().Short(), "peers", peers)
	m.publish(Event{
		Kind:         EventConnected,
		DiscoveryKey: s.archive.DiscoveryKey(),
		ConnectionID: c.id,
		Remote:       c.remote,
		PeerID:       c.peerID,
		PeerCount:    peers,
	})
}
