package peer

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/kelindar/bitmap"
)

// Session is the state kept for one connected peer.
type Session struct {
	Handle Handle
	Addr   string
	PeerID [20]byte

	// Choke and interest flags in both directions. Connections start
	// choked and not interested.
	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	Downloaded int64
	Uploaded   int64
	LastActive time.Time

	handshaked  bool
	have        bitmap.Bitmap
	outstanding mapset.Set[Request]
	sentAt      map[Request]time.Time

	// Availability seen before metadata was known.
	rawBitfield []bool
	rawHaves    []int
}

func newSession(h Handle, addr string, now time.Time) *Session {
	return &Session{
		Handle:      h,
		Addr:        addr,
		AmChoking:   true,
		PeerChoking: true,
		LastActive:  now,
		outstanding: mapset.NewThreadUnsafeSet[Request](),
		sentAt:      make(map[Request]time.Time),
	}
}

func (s *Session) Has(piece int) bool {
	return piece >= 0 && s.have.Contains(uint32(piece))
}

func (s *Session) NumOutstanding() int {
	return s.outstanding.Cardinality()
}

// Outstanding returns the requests in flight to this peer.
func (s *Session) Outstanding() []Request {
	return s.outstanding.ToSlice()
}

func (s *Session) track(r Request, now time.Time) {
	s.outstanding.Add(r)
	s.sentAt[r] = now
}

func (s *Session) untrack(r Request) bool {
	if !s.outstanding.Contains(r) {
		return false
	}
	s.outstanding.Remove(r)
	delete(s.sentAt, r)
	return true
}
