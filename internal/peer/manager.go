package peer

import (
	"fmt"
	"sort"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"torrentd/internal/metrics"
	"torrentd/internal/piecestore"
	"torrentd/internal/torrent"
)

// Peers may ask for at most this many bytes in one request.
const maxRequestLength = 128 * 1024

// PieceStore is the part of the piece store the manager drives.
type PieceStore interface {
	RecordBlock(piece, offset int, data []byte) (piecestore.BlockResult, error)
	TakeEvents() []piecestore.Event
	NeedsBlock(piece, block int) bool
	Wanted(piece int) bool
	Have(piece int) bool
	ReadPiece(piece int) ([]byte, error)
	Bitfield() []bool
}

// Manager tracks every peer of one torrent. It is driven by the session
// loop and is not safe for concurrent use.
type Manager struct {
	cfg       Config
	infoHash  metainfo.Hash
	transport Transport
	log       zerolog.Logger

	store PieceStore
	desc  *torrent.Descriptor

	peers   map[Handle]*Session
	byAddr  map[string]Handle
	known   mapset.Set[string]
	banned  mapset.Set[string]
	strikes map[string]int

	// pending maps every requested block to the peer it was requested from.
	pending      map[Request]Handle
	avail        []int
	contributors map[int]mapset.Set[string]

	downloaded int64
	uploaded   int64
	rate       int64
	rateAt     time.Time
	rateBytes  int64

	closed bool
}

func NewManager(cfg Config, infoHash metainfo.Hash, transport Transport, log zerolog.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:          cfg,
		infoHash:     infoHash,
		transport:    transport,
		log:          log.With().Str("infoHash", infoHash.HexString()).Logger(),
		peers:        make(map[Handle]*Session),
		byAddr:       make(map[string]Handle),
		known:        mapset.NewThreadUnsafeSet[string](),
		banned:       mapset.NewThreadUnsafeSet[string](),
		strikes:      make(map[string]int),
		pending:      make(map[Request]Handle),
		contributors: make(map[int]mapset.Set[string]),
		rateAt:       cfg.Now(),
	}
}

// Attach hands the manager the piece store once metadata is known.
// Availability buffered while metadata was missing is replayed, and
// peers violating the now known geometry are dropped.
func (m *Manager) Attach(store PieceStore, desc *torrent.Descriptor) {
	m.store = store
	m.desc = desc
	m.avail = make([]int, desc.NumPieces())

	ours := store.Bitfield()
	haveAny := lo.Contains(ours, true)

	for _, h := range m.handles() {
		s, ok := m.peers[h]
		if !ok {
			continue
		}
		if err := m.replayAvailability(s); err != nil {
			m.violation(s, err)
			continue
		}
		if s.handshaked && haveAny {
			if !m.send(s, pp.Message{Type: pp.Bitfield, Bitfield: ours}) {
				continue
			}
		}
		m.refill(s)
	}
}

func (m *Manager) Attached() bool {
	return m.store != nil
}

// AddPeer dials addr unless it is banned, already connected or the peer
// limit is reached.
func (m *Manager) AddPeer(addr string) (Handle, error) {
	if m.closed {
		return 0, ErrManagerClosed
	}
	if m.banned.Contains(addr) {
		return 0, fmt.Errorf("%w: %s", ErrPeerBanned, addr)
	}
	if _, ok := m.byAddr[addr]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicatePeer, addr)
	}
	if len(m.peers) >= m.cfg.MaxPeers {
		return 0, fmt.Errorf("%w: %d", ErrTooManyPeers, m.cfg.MaxPeers)
	}

	h := m.cfg.Handles.Next()
	s := newSession(h, addr, m.cfg.Now())
	m.peers[h] = s
	m.byAddr[addr] = h
	m.known.Add(addr)

	if err := m.transport.Dial(h, addr, m.infoHash); err != nil {
		delete(m.peers, h)
		delete(m.byAddr, addr)
		return 0, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	m.log.Debug().Str("peer", addr).Uint64("handle", uint64(h)).Msg("Dialing peer")
	return h, nil
}

func (m *Manager) Peer(h Handle) (*Session, bool) {
	s, ok := m.peers[h]
	return s, ok
}

func (m *Manager) NumPeers() int {
	return len(m.peers)
}

// OnPeerData applies one frame from peer h. A protocol violation
// disconnects that peer and is returned wrapped in ErrProtocolViolation.
// Storage failures are returned as is and stay sticky in the store.
func (m *Manager) OnPeerData(h Handle, f Frame) error {
	s, ok := m.peers[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownPeer, h)
	}
	s.LastActive = m.cfg.Now()

	if f.Handshake != nil {
		return m.onHandshake(s, f.Handshake)
	}
	if !s.handshaked {
		return m.violation(s, fmt.Errorf("frame before handshake"))
	}
	if f.Metadata != nil {
		// Metadata is verified by the session, which owns the descriptor.
		return nil
	}

	msg := f.Message
	if msg.Keepalive {
		return nil
	}

	switch msg.Type {
	case pp.Choke:
		s.PeerChoking = true
		m.release(s)
	case pp.Unchoke:
		s.PeerChoking = false
		m.refill(s)
	case pp.Interested:
		s.PeerInterested = true
		if s.AmChoking && m.unchokedCount() < m.cfg.UploadSlots {
			s.AmChoking = false
			m.send(s, pp.Message{Type: pp.Unchoke})
		}
	case pp.NotInterested:
		s.PeerInterested = false
		if !s.AmChoking {
			s.AmChoking = true
			if m.send(s, pp.Message{Type: pp.Choke}) {
				m.unchokeWaiting()
			}
		}
	case pp.Have:
		return m.onHave(s, int(msg.Index))
	case pp.Bitfield:
		return m.onBitfield(s, msg.Bitfield)
	case pp.Request:
		return m.onRequest(s, int(msg.Index), int(msg.Begin), int(msg.Length))
	case pp.Piece:
		return m.onPiece(s, int(msg.Index), int(msg.Begin), msg.Piece)
	default:
		// Cancel, port and extension messages need no state here.
	}
	return nil
}

func (m *Manager) onHandshake(s *Session, hs *Handshake) error {
	if s.handshaked {
		return m.violation(s, fmt.Errorf("second handshake"))
	}
	if hs.InfoHash != m.infoHash {
		return m.violation(s, fmt.Errorf("handshake for info-hash %s", hs.InfoHash.HexString()))
	}

	s.handshaked = true
	s.PeerID = hs.PeerID
	m.log.Debug().Str("peer", s.Addr).Msg("Peer handshake complete")

	if !m.Attached() {
		if err := m.transport.RequestMetadata(s.Handle); err != nil {
			m.log.Debug().Err(err).Str("peer", s.Addr).Msg("Peer cannot serve metadata")
		}
		return nil
	}

	if ours := m.store.Bitfield(); lo.Contains(ours, true) {
		if !m.send(s, pp.Message{Type: pp.Bitfield, Bitfield: ours}) {
			return nil
		}
	}
	m.refill(s)
	return nil
}

func (m *Manager) onHave(s *Session, piece int) error {
	if !m.Attached() {
		s.rawHaves = append(s.rawHaves, piece)
		return nil
	}
	if !m.desc.ValidPiece(piece) {
		return m.violation(s, fmt.Errorf("have for piece %d of %d", piece, m.desc.NumPieces()))
	}
	m.markHave(s, piece)
	m.refill(s)
	return nil
}

func (m *Manager) onBitfield(s *Session, bits []bool) error {
	if !m.Attached() {
		s.rawBitfield = bits
		return nil
	}
	if err := m.applyBitfield(s, bits); err != nil {
		return m.violation(s, err)
	}
	m.refill(s)
	return nil
}

func (m *Manager) replayAvailability(s *Session) error {
	if s.rawBitfield != nil {
		if err := m.applyBitfield(s, s.rawBitfield); err != nil {
			return err
		}
	}
	for _, piece := range s.rawHaves {
		if !m.desc.ValidPiece(piece) {
			return fmt.Errorf("have for piece %d of %d", piece, m.desc.NumPieces())
		}
		m.markHave(s, piece)
	}
	s.rawBitfield, s.rawHaves = nil, nil
	return nil
}

// applyBitfield accepts bitfields padded to a whole byte as long as the
// padding bits are clear.
func (m *Manager) applyBitfield(s *Session, bits []bool) error {
	n := m.desc.NumPieces()
	if len(bits) < n || (len(bits)+7)/8 != (n+7)/8 {
		return fmt.Errorf("bitfield of %d bits for %d pieces", len(bits), n)
	}
	if lo.Contains(bits[n:], true) {
		return fmt.Errorf("bitfield has spare bits set")
	}
	for piece := 0; piece < n; piece++ {
		if bits[piece] {
			m.markHave(s, piece)
		}
	}
	return nil
}

func (m *Manager) markHave(s *Session, piece int) {
	if s.Has(piece) {
		return
	}
	s.have.Set(uint32(piece))
	m.avail[piece]++
}

func (m *Manager) onRequest(s *Session, piece, begin, length int) error {
	if !m.Attached() {
		return m.violation(s, fmt.Errorf("request before metadata"))
	}
	if !m.desc.ValidPiece(piece) || begin < 0 || length <= 0 || length > maxRequestLength ||
		int64(begin)+int64(length) > m.desc.PieceSize(piece) {
		return m.violation(s, fmt.Errorf("request for piece %d begin %d length %d", piece, begin, length))
	}
	if s.AmChoking || !m.store.Have(piece) {
		return nil
	}

	data, err := m.store.ReadPiece(piece)
	if err != nil {
		return err
	}
	if !m.send(s, pp.Message{
		Type:  pp.Piece,
		Index: pp.Integer(piece),
		Begin: pp.Integer(begin),
		Piece: data[begin : begin+length],
	}) {
		return nil
	}
	s.Uploaded += int64(length)
	m.uploaded += int64(length)
	return nil
}

func (m *Manager) onPiece(s *Session, piece, begin int, data []byte) error {
	if !m.Attached() {
		return m.violation(s, fmt.Errorf("piece before metadata"))
	}
	if !m.desc.ValidPiece(piece) {
		return m.violation(s, fmt.Errorf("piece %d of %d", piece, m.desc.NumPieces()))
	}
	block, ok := m.desc.BlockIndex(piece, begin)
	if !ok || len(data) != m.desc.BlockLength(piece, block) {
		return m.violation(s, fmt.Errorf("block at %d with %d bytes in piece %d", begin, len(data), piece))
	}

	req := Request{Piece: piece, Begin: begin, Length: len(data)}
	if s.untrack(req) {
		delete(m.pending, req)
	}

	res, err := m.store.RecordBlock(piece, begin, data)
	if res == piecestore.Accepted {
		s.Downloaded += int64(len(data))
		m.downloaded += int64(len(data))
		m.contributor(piece).Add(s.Addr)
	}
	m.handleStoreEvents()
	if err != nil {
		return err
	}

	if _, ok := m.peers[s.Handle]; ok {
		m.refill(s)
	}
	return nil
}

func (m *Manager) contributor(piece int) mapset.Set[string] {
	set, ok := m.contributors[piece]
	if !ok {
		set = mapset.NewThreadUnsafeSet[string]()
		m.contributors[piece] = set
	}
	return set
}

func (m *Manager) handleStoreEvents() {
	for _, ev := range m.store.TakeEvents() {
		switch ev.Kind {
		case piecestore.PieceVerified:
			delete(m.contributors, ev.Piece)
			for _, h := range m.handles() {
				if s, ok := m.peers[h]; ok && s.handshaked {
					m.send(s, pp.Message{Type: pp.Have, Index: pp.Integer(ev.Piece)})
				}
			}
		case piecestore.VerificationFailed:
			addrs, ok := m.contributors[ev.Piece]
			delete(m.contributors, ev.Piece)
			if ok {
				m.strike(addrs.ToSlice())
			}
		case piecestore.PiecePoisoned:
			m.log.Error().Err(ev.Err).Int("piece", ev.Piece).Msg("Giving up on piece")
		}
	}
}

// strike counts a hash failure against every peer that contributed to a
// bad piece and bans peers that reach the limit.
func (m *Manager) strike(addrs []string) {
	sort.Strings(addrs)
	for _, addr := range addrs {
		m.strikes[addr]++
		if m.strikes[addr] < m.cfg.MaxHashFailures {
			continue
		}
		m.banned.Add(addr)
		m.log.Warn().Str("peer", addr).Int("strikes", m.strikes[addr]).Msg("Banning peer after repeated hash failures")
		if h, ok := m.byAddr[addr]; ok {
			m.Disconnect(h, ReasonBanned)
		}
	}
}

func (m *Manager) Banned(addr string) bool {
	return m.banned.Contains(addr)
}

// refill keeps our interest in s current and tops its pipeline up to the
// configured depth.
func (m *Manager) refill(s *Session) {
	if !m.Attached() || !s.handshaked {
		return
	}

	interesting := m.interesting(s)
	if interesting != s.AmInterested {
		typ := pp.NotInterested
		if interesting {
			typ = pp.Interested
		}
		if !m.send(s, pp.Message{Type: typ}) {
			return
		}
		s.AmInterested = interesting
	}

	if s.PeerChoking {
		return
	}

	now := m.cfg.Now()
	for s.NumOutstanding() < m.cfg.PipelineDepth {
		req, ok := m.nextRequest(s)
		if !ok {
			return
		}
		if !m.send(s, pp.Message{
			Type:   pp.Request,
			Index:  pp.Integer(req.Piece),
			Begin:  pp.Integer(req.Begin),
			Length: pp.Integer(req.Length),
		}) {
			return
		}
		s.track(req, now)
		m.pending[req] = s.Handle
	}
}

func (m *Manager) interesting(s *Session) bool {
	for piece := 0; piece < m.desc.NumPieces(); piece++ {
		if s.Has(piece) && m.store.Wanted(piece) {
			return true
		}
	}
	return false
}

// nextRequest picks the rarest piece s has that still has an unrequested
// block, preferring the lowest index on ties, and returns its lowest
// unrequested block.
func (m *Manager) nextRequest(s *Session) (Request, bool) {
	best, bestBlock := -1, -1
	for piece := 0; piece < m.desc.NumPieces(); piece++ {
		if !s.Has(piece) || !m.store.Wanted(piece) {
			continue
		}
		if best >= 0 && m.avail[piece] >= m.avail[best] {
			continue
		}
		if block, ok := m.firstUnrequested(piece); ok {
			best, bestBlock = piece, block
		}
	}
	if best < 0 {
		return Request{}, false
	}
	return Request{
		Piece:  best,
		Begin:  bestBlock * torrent.BlockSize,
		Length: m.desc.BlockLength(best, bestBlock),
	}, true
}

func (m *Manager) firstUnrequested(piece int) (int, bool) {
	for block := 0; block < m.desc.NumBlocks(piece); block++ {
		if !m.store.NeedsBlock(piece, block) {
			continue
		}
		req := Request{Piece: piece, Begin: block * torrent.BlockSize, Length: m.desc.BlockLength(piece, block)}
		if _, requested := m.pending[req]; !requested {
			return block, true
		}
	}
	return 0, false
}

// release returns every request in flight to s to the pool.
func (m *Manager) release(s *Session) []Request {
	reqs := s.Outstanding()
	for _, r := range reqs {
		s.untrack(r)
		delete(m.pending, r)
	}
	return reqs
}

// Disconnect drops peer h, returning its outstanding requests to the pool.
// The returned slice holds exactly those requests.
func (m *Manager) Disconnect(h Handle, reason Reason) []Request {
	s, ok := m.peers[h]
	if !ok {
		return nil
	}

	reqs := m.release(s)
	if m.avail != nil {
		for piece := range m.avail {
			if s.Has(piece) {
				m.avail[piece]--
			}
		}
	}
	wasUnchoked := !s.AmChoking

	delete(m.peers, h)
	delete(m.byAddr, s.Addr)
	m.transport.Close(h)
	metrics.PeersDisconnected.WithLabelValues(string(reason)).Inc()

	m.log.Debug().Str("peer", s.Addr).Str("reason", string(reason)).Int("returned", len(reqs)).Msg("Peer disconnected")

	if wasUnchoked && !m.closed {
		m.unchokeWaiting()
	}
	if !m.closed && len(reqs) > 0 {
		for _, other := range m.handles() {
			if o, ok := m.peers[other]; ok {
				m.refill(o)
			}
		}
	}
	return reqs
}

func (m *Manager) violation(s *Session, err error) error {
	err = fmt.Errorf("%w: %s: %v", ErrProtocolViolation, s.Addr, err)
	m.log.Warn().Err(err).Msg("Dropping peer")
	m.Disconnect(s.Handle, ReasonProtocolViolation)
	return err
}

// send reports whether msg was handed to the transport; a failed send
// disconnects the peer.
func (m *Manager) send(s *Session, msg pp.Message) bool {
	if err := m.transport.Send(s.Handle, msg); err != nil {
		m.log.Debug().Err(err).Str("peer", s.Addr).Msg("Failed to send to peer")
		m.Disconnect(s.Handle, ReasonSendFailed)
		return false
	}
	return true
}

func (m *Manager) unchokedCount() int {
	n := 0
	for _, s := range m.peers {
		if !s.AmChoking {
			n++
		}
	}
	return n
}

func (m *Manager) unchokeWaiting() {
	for _, h := range m.handles() {
		if m.unchokedCount() >= m.cfg.UploadSlots {
			return
		}
		s, ok := m.peers[h]
		if !ok || !s.AmChoking || !s.PeerInterested {
			continue
		}
		s.AmChoking = false
		m.send(s, pp.Message{Type: pp.Unchoke})
	}
}

// Tick returns timed-out requests to the pool and refills every pipeline.
func (m *Manager) Tick(now time.Time) {
	if elapsed := now.Sub(m.rateAt); elapsed >= time.Second {
		m.rate = (m.downloaded - m.rateBytes) * int64(time.Second) / int64(elapsed)
		m.rateBytes = m.downloaded
		m.rateAt = now
	}

	for _, h := range m.handles() {
		s, ok := m.peers[h]
		if !ok {
			continue
		}
		for _, r := range s.Outstanding() {
			if now.Sub(s.sentAt[r]) < m.cfg.RequestTimeout {
				continue
			}
			s.untrack(r)
			delete(m.pending, r)
			m.log.Debug().Str("peer", s.Addr).Int("piece", r.Piece).Int("begin", r.Begin).Msg("Request timed out")
			if !m.send(s, pp.Message{
				Type:   pp.Cancel,
				Index:  pp.Integer(r.Piece),
				Begin:  pp.Integer(r.Begin),
				Length: pp.Integer(r.Length),
			}) {
				break
			}
		}
	}

	for _, h := range m.handles() {
		if s, ok := m.peers[h]; ok {
			m.refill(s)
		}
	}
}

// Close drops every peer of this torrent. The manager accepts no new
// peers afterwards.
func (m *Manager) Close() {
	m.closed = true
	for _, h := range m.handles() {
		m.Disconnect(h, ReasonShutdown)
	}
}

func (m *Manager) Stats() Stats {
	return Stats{
		Peers:        len(m.peers),
		DownloadRate: m.rate,
		Downloaded:   m.downloaded,
		Uploaded:     m.uploaded,
	}
}

// Hints returns every address seen for this torrent that is not banned,
// sorted.
func (m *Manager) Hints() []string {
	hints := lo.Filter(m.known.ToSlice(), func(addr string, _ int) bool {
		return !m.banned.Contains(addr)
	})
	sort.Strings(hints)
	return hints
}

// Remember records addresses worth dialing later without dialing them now.
func (m *Manager) Remember(addrs ...string) {
	for _, addr := range addrs {
		m.known.Add(addr)
	}
}

// handles returns the connected handles in ascending order so that every
// pass over the peers is deterministic.
func (m *Manager) handles() []Handle {
	hs := lo.Keys(m.peers)
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}
