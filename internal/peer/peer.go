// Package peer owns the peer sessions of one torrent: which blocks are
// requested from whom, who is choked, and who gets banned.
package peer

import (
	"sync/atomic"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"
)

// Handle identifies one connection for its whole life. Handles are never
// reused within a process.
type Handle uint64

// HandleSeq hands out unique handles. One sequence is shared by every
// manager in a session so events can be routed by handle alone.
type HandleSeq struct {
	n atomic.Uint64
}

func (s *HandleSeq) Next() Handle {
	return Handle(s.n.Add(1))
}

// Transport moves frames to and from remote peers. Dial is asynchronous:
// connection and handshake results arrive later as Events.
type Transport interface {
	Dial(h Handle, addr string, infoHash metainfo.Hash) error
	Send(h Handle, msg pp.Message) error
	// RequestMetadata asks the connection to fetch the info dictionary from
	// the remote peer. The result arrives as a Metadata frame.
	RequestMetadata(h Handle) error
	Close(h Handle)
}

type Handshake struct {
	InfoHash metainfo.Hash
	PeerID   [20]byte
}

// Frame is one decoded unit received from a peer. Exactly one of
// Handshake, Metadata or Message is meaningful; Message is used when the
// other two are nil.
type Frame struct {
	Handshake *Handshake
	Metadata  []byte
	Message   pp.Message
}

// Event is what a transport delivers to the session. A non-nil Err means
// the connection is gone.
type Event struct {
	InfoHash metainfo.Hash
	Handle   Handle
	Frame    Frame
	Err      error
}

// Request addresses one block.
type Request struct {
	Piece  int
	Begin  int
	Length int
}

type Reason string

const (
	ReasonProtocolViolation Reason = "protocol_violation"
	ReasonBanned            Reason = "banned"
	ReasonRemoteClosed      Reason = "remote_closed"
	ReasonSendFailed        Reason = "send_failed"
	ReasonShutdown          Reason = "shutdown"
)

type Config struct {
	PipelineDepth   int
	RequestTimeout  time.Duration
	MaxPeers        int
	MaxHashFailures int
	UploadSlots     int
	Handles         *HandleSeq
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PipelineDepth <= 0 {
		c.PipelineDepth = 5
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = 50
	}
	if c.MaxHashFailures <= 0 {
		c.MaxHashFailures = 3
	}
	if c.UploadSlots < 0 {
		c.UploadSlots = 0
	}
	if c.Handles == nil {
		c.Handles = &HandleSeq{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type Stats struct {
	Peers        int
	DownloadRate int64
	Downloaded   int64
	Uploaded     int64
}
