// Package transport connects peer sessions to remote peers over TCP.
package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"torrentd/internal/peer"
)

const (
	peerIDPrefix  = "-TD0100-"
	clientVersion = "torrentd 0.1"
	sendQueueSize = 256
)

type Config struct {
	PeerID      [20]byte
	DialTimeout time.Duration
	// DownloadRateLimit caps received bytes per second across all
	// connections. Zero means unlimited.
	DownloadRateLimit int64
}

// NewPeerID returns an Azureus-style peer id for this client.
func NewPeerID() [20]byte {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	rand.Read(id[len(peerIDPrefix):])
	return id
}

// TCP implements peer.Transport. Every connection runs a reader and a
// writer goroutine; received frames are handed to deliver.
type TCP struct {
	cfg     Config
	deliver func(peer.Event)
	log     zerolog.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.Mutex
	conns  map[peer.Handle]*conn
	closed bool
}

func NewTCP(cfg Config, deliver func(peer.Event), log zerolog.Logger) *TCP {
	if cfg.PeerID == ([20]byte{}) {
		cfg.PeerID = NewPeerID()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	t := &TCP{
		cfg:     cfg,
		deliver: deliver,
		log:     log.With().Str("component", "transport").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		group:   group,
		conns:   make(map[peer.Handle]*conn),
	}
	if cfg.DownloadRateLimit > 0 {
		burst := int(cfg.DownloadRateLimit)
		if burst < maxMessageLength+4 {
			burst = maxMessageLength + 4
		}
		t.limiter = rate.NewLimiter(rate.Limit(cfg.DownloadRateLimit), burst)
	}
	return t
}

type conn struct {
	handle   peer.Handle
	addr     string
	infoHash metainfo.Hash

	out  chan pp.Message
	kick chan struct{}
	done chan struct{}
	once sync.Once

	mu            sync.Mutex
	nc            net.Conn
	extensions    bool
	remoteIDs     map[string]int
	metadataSize  int
	wantMetadata  bool
	fetch         *metadataFetch
	closedLocally bool
}

func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.nc != nil {
			c.nc.Close()
		}
		c.mu.Unlock()
	})
}

// kickWriter wakes the writer to send pending metadata requests.
func (c *conn) kickWriter() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *conn) metadataRequests() ([]pp.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetch == nil {
		return nil, nil
	}
	return c.fetch.nextRequests()
}

func (t *TCP) lookup(h peer.Handle) (*conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return c, nil
}

// Dial connects to addr in the background. The handshake result arrives
// as a Handshake frame, failures as an Event with Err set.
func (t *TCP) Dial(h peer.Handle, addr string, infoHash metainfo.Hash) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	c := &conn{
		handle:   h,
		addr:     addr,
		infoHash: infoHash,
		out:      make(chan pp.Message, sendQueueSize),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	t.conns[h] = c

	t.group.Go(func() error {
		t.run(c)
		return nil
	})
	return nil
}

func (t *TCP) Send(h peer.Handle, msg pp.Message) error {
	c, err := t.lookup(h)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	case c.out <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrSendQueueFull, c.addr)
	}
}

// RequestMetadata starts a ut_metadata download once the peer's extended
// handshake is known.
func (t *TCP) RequestMetadata(h peer.Handle) error {
	c, err := t.lookup(h)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.wantMetadata = true
	if c.remoteIDs == nil {
		// Started when the extended handshake arrives.
		return nil
	}
	return t.startFetch(c)
}

// startFetch must be called with c.mu held.
func (t *TCP) startFetch(c *conn) error {
	if c.fetch != nil || !c.wantMetadata {
		return nil
	}
	id, ok := c.remoteIDs[utMetadata]
	if !ok || id == 0 {
		return ErrNoMetadataExt
	}
	fetch, err := newMetadataFetch(id, c.metadataSize)
	if err != nil {
		return err
	}
	// Requests bypass the send queue; the writer pulls them a window at a
	// time.
	c.fetch = fetch
	c.kickWriter()
	return nil
}

func (t *TCP) Close(h peer.Handle) {
	t.mu.Lock()
	c, ok := t.conns[h]
	delete(t.conns, h)
	t.mu.Unlock()

	if ok {
		c.mu.Lock()
		c.closedLocally = true
		c.mu.Unlock()
		c.shutdown()
	}
}

// Shutdown closes every connection and waits for their goroutines.
func (t *TCP) Shutdown() error {
	t.mu.Lock()
	t.closed = true
	conns := make([]*conn, 0, len(t.conns))
	for h, c := range t.conns {
		conns = append(conns, c)
		delete(t.conns, h)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.closedLocally = true
		c.mu.Unlock()
		c.shutdown()
	}
	t.cancel()
	return t.group.Wait()
}

func (t *TCP) run(c *conn) {
	log := t.log.With().Str("peer", c.addr).Uint64("handle", uint64(c.handle)).Logger()

	err := t.session(c, log)

	c.shutdown()
	t.mu.Lock()
	delete(t.conns, c.handle)
	t.mu.Unlock()

	c.mu.Lock()
	local := c.closedLocally
	c.mu.Unlock()
	if local {
		return
	}
	if err == nil {
		err = errors.New("connection closed")
	}
	log.Debug().Err(err).Msg("Connection ended")
	t.deliver(peer.Event{InfoHash: c.infoHash, Handle: c.handle, Err: err})
}

func (t *TCP) session(c *conn, log zerolog.Logger) error {
	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	nc, err := dialer.DialContext(t.ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	c.mu.Lock()
	c.nc = nc
	c.mu.Unlock()
	select {
	case <-c.done:
		nc.Close()
		return nil
	default:
	}

	return t.serve(c, nc, log)
}

// serve runs the handshake and message loop over an established
// connection.
func (t *TCP) serve(c *conn, nc net.Conn, log zerolog.Logger) error {
	nc.SetDeadline(time.Now().Add(t.cfg.DialTimeout))
	if err := writeHandshake(nc, handshake{infoHash: c.infoHash, peerID: t.cfg.PeerID, extensions: true}); err != nil {
		return fmt.Errorf("failed to send handshake: %w", err)
	}
	r := bufio.NewReader(nc)
	hs, err := readHandshake(r)
	if err != nil {
		return err
	}
	nc.SetDeadline(time.Time{})

	if hs.infoHash != c.infoHash {
		return fmt.Errorf("%w: %s", ErrWrongInfoHash, hs.infoHash.HexString())
	}

	c.mu.Lock()
	c.extensions = hs.extensions
	c.mu.Unlock()

	log.Debug().Bool("extensions", hs.extensions).Msg("Handshake complete")

	writerErr := make(chan error, 1)
	go func() {
		writerErr <- t.writeLoop(c, nc)
	}()

	if hs.extensions {
		if err := t.sendExtendedHandshake(c); err != nil {
			return err
		}
	}

	t.deliver(peer.Event{
		InfoHash: c.infoHash,
		Handle:   c.handle,
		Frame:    peer.Frame{Handshake: &peer.Handshake{InfoHash: hs.infoHash, PeerID: hs.peerID}},
	})

	readErr := t.readLoop(c, r, log)
	c.shutdown()
	if werr := <-writerErr; readErr == nil {
		readErr = werr
	}
	return readErr
}

func (t *TCP) sendExtendedHandshake(c *conn) error {
	payload, err := bencode.Marshal(extendedHandshake{
		M: map[string]int{utMetadata: localMetadataID},
		V: clientVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to encode extended handshake: %w", err)
	}
	c.out <- pp.Message{Type: pp.Extended, ExtendedID: 0, ExtendedPayload: payload}
	return nil
}

func (t *TCP) writeLoop(c *conn, nc net.Conn) error {
	w := bufio.NewWriter(nc)
	write := func(msg pp.Message) error {
		if err := writeMessage(w, msg); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	}

	for {
		select {
		case <-c.done:
			return nil
		case msg := <-c.out:
			if err := write(msg); err != nil {
				return err
			}
		case <-c.kick:
			// Queued messages go first so our extended handshake always
			// precedes metadata requests.
			for queued := len(c.out); queued > 0; queued-- {
				if err := write(<-c.out); err != nil {
					return err
				}
			}
			msgs, err := c.metadataRequests()
			if err != nil {
				return fmt.Errorf("failed to encode metadata request: %w", err)
			}
			for _, msg := range msgs {
				if err := write(msg); err != nil {
					return err
				}
			}
		}

		// Flush once the queue is drained so bursts share a write.
		if len(c.out) == 0 {
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush: %w", err)
			}
		}
	}
}

func (t *TCP) readLoop(c *conn, r *bufio.Reader, log zerolog.Logger) error {
	for {
		msg, n, err := readMessage(r)
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			return err
		}

		if t.limiter != nil {
			if err := t.limiter.WaitN(t.ctx, n); err != nil {
				return nil
			}
		}

		if msg.Type == pp.Extended && !msg.Keepalive {
			if handled, err := t.onExtended(c, msg, log); handled {
				if err != nil {
					log.Debug().Err(err).Msg("Metadata exchange failed")
				}
				continue
			}
		}

		t.deliver(peer.Event{InfoHash: c.infoHash, Handle: c.handle, Frame: peer.Frame{Message: msg}})
	}
}

// onExtended consumes extension handshakes and ut_metadata messages. Other
// extended messages are reported as not handled.
func (t *TCP) onExtended(c *conn, msg pp.Message, log zerolog.Logger) (bool, error) {
	switch msg.ExtendedID {
	case 0:
		var ehs extendedHandshake
		if err := bencode.Unmarshal(msg.ExtendedPayload, &ehs); err != nil {
			return true, fmt.Errorf("failed to decode extended handshake: %w", err)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.remoteIDs = ehs.M
		if c.remoteIDs == nil {
			c.remoteIDs = map[string]int{}
		}
		c.metadataSize = ehs.MetadataSize
		return true, t.startFetch(c)

	case localMetadataID:
		c.mu.Lock()
		if c.fetch == nil {
			c.mu.Unlock()
			return true, nil
		}
		info, err := c.fetch.add(msg.ExtendedPayload)
		c.mu.Unlock()

		if err != nil {
			return true, err
		}
		if info == nil {
			c.kickWriter()
			return true, nil
		}
		log.Debug().Int("bytes", len(info)).Msg("Metadata received")
		t.deliver(peer.Event{InfoHash: c.infoHash, Handle: c.handle, Frame: peer.Frame{Metadata: info}})
		return true, nil
	}
	return false, nil
}
