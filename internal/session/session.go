// Package session runs torrent instances on a single event loop. Commands
// and transport events are queued from any goroutine and applied on the
// next Tick; all torrent state is mutated inside Tick only.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"torrentd/internal/alert"
	"torrentd/internal/config"
	"torrentd/internal/metrics"
	"torrentd/internal/peer"
	"torrentd/internal/piecestore"
	"torrentd/internal/resume"
	"torrentd/internal/storage"
	"torrentd/internal/torrent"
)

var ErrInvalidSource = errors.New("torrent source has no info-hash")

// ResumeSaver persists encoded resume blobs.
type ResumeSaver interface {
	Save(blob []byte) error
}

type Options struct {
	Transport peer.Transport
	// ResumeStore may be nil; resume blobs are then only delivered in
	// ResumeDataReady alerts.
	ResumeStore ResumeSaver
	Bus         *alert.Bus
	Fs          afero.Fs
	Logger      zerolog.Logger
	Now         func() time.Time
}

type command func(now time.Time)

type saveResult struct {
	hash  metainfo.Hash
	final bool
	err   error
}

type Session struct {
	cfg     *config.Config
	peerCfg peer.Config
	opts    Options
	log     zerolog.Logger

	handles peer.HandleSeq

	mu       sync.Mutex
	commands []command
	events   []peer.Event
	done     []saveResult
	wake     chan struct{}

	// Loop-owned state.
	instances    []*instance
	byHash       map[metainfo.Hash]*instance
	shuttingDown bool

	statusMu sync.RWMutex
	statuses []alert.Status

	writers sync.WaitGroup
}

func New(cfg *config.Config, opts Options) *Session {
	if opts.Bus == nil {
		opts.Bus = alert.NewBus()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Session{
		cfg:    cfg,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "session").Logger(),
		wake:   make(chan struct{}, 1),
		byHash: make(map[metainfo.Hash]*instance),
	}
	s.peerCfg = peer.Config{
		PipelineDepth:   cfg.PipelineDepth,
		RequestTimeout:  cfg.RequestTimeout,
		MaxPeers:        cfg.MaxPeers,
		MaxHashFailures: cfg.MaxHashFailures,
		UploadSlots:     cfg.UploadSlots,
		Handles:         &s.handles,
		Now:             opts.Now,
	}
	return s
}

func (s *Session) Bus() *alert.Bus {
	return s.opts.Bus
}

// Wake is signalled whenever work is queued for the next Tick.
func (s *Session) Wake() <-chan struct{} {
	return s.wake
}

func (s *Session) enqueue(fn func()) {
	s.mu.Lock()
	fn()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) command(c command) {
	s.enqueue(func() { s.commands = append(s.commands, c) })
}

// AddTorrent queues src for download. resumeBlob may be nil; data for a
// different torrent or data that fails to decode is ignored.
func (s *Session) AddTorrent(src torrent.Source, resumeBlob []byte) (metainfo.Hash, error) {
	if src.InfoHash == (metainfo.Hash{}) {
		return metainfo.Hash{}, ErrInvalidSource
	}
	s.command(func(now time.Time) { s.addTorrent(src, resumeBlob, now) })
	return src.InfoHash, nil
}

// RequestResumeSave asks for a resume snapshot of one torrent outside the
// periodic schedule.
func (s *Session) RequestResumeSave(hash metainfo.Hash) {
	s.command(func(now time.Time) {
		inst, ok := s.byHash[hash]
		if !ok || !inst.state.running() {
			s.log.Warn().Str("infoHash", hash.HexString()).Msg("Resume save requested for unknown torrent")
			return
		}
		if inst.savePending {
			inst.saveRequested = true
			return
		}
		s.save(inst, false)
	})
}

// PostTorrentUpdates posts one StateUpdate alert per torrent.
func (s *Session) PostTorrentUpdates() {
	s.command(func(time.Time) {
		for _, inst := range s.instances {
			if inst.state != Closed {
				s.opts.Bus.Post(alert.StateUpdate{Status: inst.status()})
			}
		}
	})
}

// Shutdown closes every torrent after a final resume snapshot. Active
// drops to zero once all snapshots are written.
func (s *Session) Shutdown() {
	s.command(func(time.Time) {
		s.shuttingDown = true
		for _, inst := range s.instances {
			s.beginClose(inst)
		}
	})
}

// Deliver hands a transport event to the session. It is safe to call from
// transport goroutines.
func (s *Session) Deliver(ev peer.Event) {
	s.enqueue(func() { s.events = append(s.events, ev) })
}

func (s *Session) completeSave(r saveResult) {
	s.enqueue(func() { s.done = append(s.done, r) })
}

// Active returns the number of instances not yet closed, as of the last
// Tick.
func (s *Session) Active() int {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return len(s.statuses)
}

// Statuses returns a snapshot of every open torrent taken at the end of the
// last Tick.
func (s *Session) Statuses() []alert.Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return append([]alert.Status(nil), s.statuses...)
}

// Wait blocks until every background resume writer has finished.
func (s *Session) Wait() {
	s.writers.Wait()
}

// Tick runs one step of the event loop.
func (s *Session) Tick(now time.Time) {
	s.mu.Lock()
	commands, events, done := s.commands, s.events, s.done
	s.commands, s.events, s.done = nil, nil, nil
	s.mu.Unlock()

	for _, c := range commands {
		c(now)
	}

	for _, ev := range events {
		s.dispatch(ev)
	}

	for _, inst := range s.instances {
		if inst.state.running() {
			inst.mgr.Tick(now)
		}
	}

	for _, r := range done {
		s.saveDone(r)
	}

	for _, inst := range s.instances {
		if inst.state.running() && !inst.savePending && now.Sub(inst.lastSave) >= s.cfg.SaveResumeInterval {
			inst.lastSave = now
			s.save(inst, false)
		}
	}

	for _, inst := range s.instances {
		s.checkTerminal(inst)
	}

	s.instances = lo.Filter(s.instances, func(inst *instance, _ int) bool {
		return inst.state != Closed
	})
	s.publishStatuses()
}

func (s *Session) publishStatuses() {
	statuses := lo.Map(s.instances, func(inst *instance, _ int) alert.Status {
		return inst.status()
	})

	s.statusMu.Lock()
	s.statuses = statuses
	s.statusMu.Unlock()
}

func (s *Session) addTorrent(src torrent.Source, blob []byte, now time.Time) {
	log := s.log.With().Str("infoHash", src.InfoHash.HexString()).Logger()

	if s.shuttingDown {
		log.Warn().Msg("Session is shutting down, torrent not added")
		return
	}
	if _, ok := s.byHash[src.InfoHash]; ok {
		log.Warn().Msg("Torrent already added")
		return
	}

	st := s.decodeResume(src.InfoHash, blob, log)

	inst := &instance{
		hash:     src.InfoHash,
		name:     src.Name,
		savePath: s.cfg.SavePath,
		state:    Pending,
		lastSave: now,
		log:      log,
	}
	if st != nil {
		inst.resumed = true
		if st.SavePath != "" {
			inst.savePath = st.SavePath
		}
		if inst.name == "" {
			inst.name = st.Name
		}
	}
	inst.mgr = peer.NewManager(s.peerCfg, inst.hash, s.opts.Transport, s.opts.Logger)

	s.instances = append(s.instances, inst)
	s.byHash[inst.hash] = inst
	metrics.ActiveTorrents.Inc()

	s.opts.Bus.Post(alert.TorrentAdded{InfoHash: inst.hash, Name: inst.name, Resumed: inst.resumed})

	infoBytes := src.InfoBytes
	if len(infoBytes) == 0 && st != nil {
		infoBytes = st.Info
	}

	if len(infoBytes) > 0 {
		desc, err := torrent.NewDescriptorFor(inst.hash, infoBytes, inst.savePath)
		if err != nil {
			s.fail(inst, err)
			return
		}
		s.attach(inst, desc, st)
	} else {
		inst.state = DownloadingMetadata
		log.Info().Msg("Downloading metadata")
	}

	peers := append([]string(nil), src.Peers...)
	peers = append(peers, s.cfg.Peers...)
	if st != nil {
		peers = append(peers, st.Peers...)
	}
	for _, addr := range lo.Uniq(peers) {
		if !inst.state.running() {
			break
		}
		if _, err := inst.mgr.AddPeer(addr); err != nil {
			log.Debug().Err(err).Str("peer", addr).Msg("Peer not added")
		}
	}
}

// decodeResume returns nil when blob is absent, malformed or belongs to
// another torrent.
func (s *Session) decodeResume(hash metainfo.Hash, blob []byte, log zerolog.Logger) *resume.State {
	if len(blob) == 0 {
		return nil
	}
	st, err := resume.Restore(blob)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring resume data")
		return nil
	}
	if st.Hash() != hash {
		log.Warn().Str("resumeInfoHash", st.Hash().HexString()).Msg("Resume data belongs to another torrent, starting fresh")
		return nil
	}
	return &st
}

// attach opens storage for desc, seeds it from st and moves the instance
// to Downloading.
func (s *Session) attach(inst *instance, desc *torrent.Descriptor, st *resume.State) {
	sink, err := storage.NewFileStore(s.opts.Fs, desc, s.cfg.OpenFileCacheSize)
	if err != nil {
		s.fail(inst, fmt.Errorf("%w: %v", piecestore.ErrStorage, err))
		return
	}

	newStore := func() *piecestore.Store {
		return piecestore.New(desc, sink, piecestore.Options{MaxRetries: s.cfg.MaxPieceRetries, Logger: s.opts.Logger})
	}
	store := newStore()

	if st != nil && st.NumPieces > 0 {
		if err := store.Restore(st.Completed(), st.PartialMap()); err != nil {
			inst.log.Warn().Err(err).Msg("Resume data does not fit torrent, starting fresh")
			store = newStore()
		} else if s.cfg.RecheckOnResume {
			store.Recheck()
		}
		store.TakeEvents()
	}

	inst.desc = desc
	inst.sink = sink
	inst.store = store
	if desc.Name != "" {
		inst.name = desc.Name
	}
	inst.state = Downloading

	p := store.Progress()
	inst.log.Info().Str("name", inst.name).Int("pieces", p.NumPieces).Int("have", p.PiecesDone).Msg("Metadata ready")

	inst.mgr.Attach(store, desc)
}

func (s *Session) dispatch(ev peer.Event) {
	inst, ok := s.byHash[ev.InfoHash]
	if !ok || !inst.state.running() {
		return
	}

	if ev.Err != nil {
		reason := peer.ReasonRemoteClosed
		if errors.Is(ev.Err, peer.ErrProtocolViolation) {
			reason = peer.ReasonProtocolViolation
		}
		inst.log.Debug().Err(ev.Err).Str("reason", string(reason)).Msg("Peer connection ended")
		inst.mgr.Disconnect(ev.Handle, reason)
		return
	}

	if ev.Frame.Metadata != nil {
		if inst.state == DownloadingMetadata {
			s.onMetadata(inst, ev.Handle, ev.Frame.Metadata)
		}
		return
	}

	err := inst.mgr.OnPeerData(ev.Handle, ev.Frame)
	if errors.Is(err, peer.ErrProtocolViolation) {
		inst.log.Debug().Err(err).Msg("Peer dropped")
	}
}

func (s *Session) onMetadata(inst *instance, h peer.Handle, infoBytes []byte) {
	if _, ok := inst.mgr.Peer(h); !ok {
		return
	}
	desc, err := torrent.NewDescriptorFor(inst.hash, infoBytes, inst.savePath)
	if err != nil {
		inst.log.Warn().Err(err).Msg("Peer sent bad metadata")
		inst.mgr.Disconnect(h, peer.ReasonProtocolViolation)
		return
	}
	s.attach(inst, desc, nil)
}

func (s *Session) checkTerminal(inst *instance) {
	if inst.state != Downloading {
		return
	}
	if err := inst.store.Err(); err != nil {
		s.fail(inst, err)
		return
	}
	if inst.store.IsComplete() {
		inst.state = Finished
		inst.outcome = Finished
		inst.log.Info().Str("name", inst.name).Msg("Torrent finished")
		s.opts.Bus.Post(alert.TorrentFinished{InfoHash: inst.hash})
		s.beginClose(inst)
	}
}

// fail moves inst to Errored. It posts at most one TorrentError per
// instance.
func (s *Session) fail(inst *instance, err error) {
	if inst.err != nil || inst.state == ClosedPendingFlush || inst.state == Closed {
		return
	}
	inst.err = err
	inst.state = Errored
	inst.outcome = Errored
	inst.log.Error().Err(err).Msg("Torrent failed")
	s.opts.Bus.Post(alert.TorrentError{InfoHash: inst.hash, Err: err})
	s.beginClose(inst)
}

// beginClose stops all transfers of inst and takes the final snapshot.
func (s *Session) beginClose(inst *instance) {
	if inst.state == ClosedPendingFlush || inst.state == Closed {
		return
	}
	inst.mgr.Close()
	inst.state = ClosedPendingFlush
	if inst.savePending {
		inst.finalQueued = true
		return
	}
	s.save(inst, true)
}

// save snapshots inst on the loop goroutine and encodes and writes the
// snapshot in the background.
func (s *Session) save(inst *instance, final bool) {
	inst.savePending = true
	st := resume.Snapshot(inst)
	hash := inst.hash

	s.writers.Add(1)
	go func() {
		defer s.writers.Done()

		blob, err := resume.Encode(st)
		if err == nil && s.opts.ResumeStore != nil {
			err = s.opts.ResumeStore.Save(blob)
		}

		if err != nil {
			metrics.ResumeSaves.WithLabelValues("failed").Inc()
			s.opts.Bus.Post(alert.ResumeDataFailed{InfoHash: hash, Err: err, Final: final})
		} else {
			metrics.ResumeSaves.WithLabelValues("ok").Inc()
			s.opts.Bus.Post(alert.ResumeDataReady{InfoHash: hash, Blob: blob, Final: final})
		}
		s.completeSave(saveResult{hash: hash, final: final, err: err})
	}()
}

func (s *Session) saveDone(r saveResult) {
	inst, ok := s.byHash[r.hash]
	if !ok {
		return
	}
	inst.savePending = false

	if r.final {
		s.close(inst)
		return
	}
	if r.err != nil {
		inst.log.Warn().Err(r.err).Msg("Resume save failed, retrying next interval")
	}
	if inst.finalQueued {
		inst.finalQueued = false
		s.save(inst, true)
		return
	}
	if inst.saveRequested && inst.state.running() {
		inst.saveRequested = false
		s.save(inst, false)
	}
}

func (s *Session) close(inst *instance) {
	inst.state = Closed
	if inst.sink != nil {
		if err := inst.sink.Close(); err != nil {
			inst.log.Warn().Err(err).Msg("Failed to close storage")
		}
	}
	delete(s.byHash, inst.hash)
	metrics.ActiveTorrents.Dec()
	inst.log.Info().Msg("Torrent closed")
}
