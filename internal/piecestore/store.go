package piecestore

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"sort"

	gobitmap "github.com/boljen/go-bitmap"
	"github.com/kelindar/bitmap"
	"github.com/rs/zerolog"

	"torrentd/internal/metrics"
	"torrentd/internal/storage"
	"torrentd/internal/torrent"
)

type BlockResult int

const (
	Accepted BlockResult = iota
	DuplicateIgnored
	InvalidIndex
)

func (r BlockResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case DuplicateIgnored:
		return "duplicate"
	case InvalidIndex:
		return "invalid"
	default:
		return "unknown"
	}
}

type EventKind int

const (
	PieceVerified EventKind = iota
	VerificationFailed
	PiecePoisoned
)

type Event struct {
	Kind  EventKind
	Piece int
	Err   error
}

// PieceRecord is the download ledger for one piece. Complete implies every
// block bit is set and the bytes on disk hash to Hash.
type PieceRecord struct {
	Index    int
	Hash     [sha1.Size]byte
	Blocks   gobitmap.Bitmap
	Received int
	Complete bool
	Failures int
	Poisoned bool
}

type Progress struct {
	PiecesDone int
	NumPieces  int
	BytesDone  int64
	TotalBytes int64
}

type Options struct {
	// MaxRetries is how many times a piece may fail verification and be
	// downloaded again before it is poisoned. Zero or less retries forever.
	MaxRetries int
	Logger     zerolog.Logger
}

// Store is owned by the session loop and is not safe for concurrent use.
type Store struct {
	desc      *torrent.Descriptor
	sink      storage.Sink
	opts      Options
	log       zerolog.Logger
	pieces    []PieceRecord
	done      bitmap.Bitmap
	bytesDone int64
	events    []Event
	err       error
}

func New(desc *torrent.Descriptor, sink storage.Sink, opts Options) *Store {
	pieces := make([]PieceRecord, desc.NumPieces())
	for i := range pieces {
		pieces[i] = PieceRecord{
			Index:  i,
			Hash:   desc.PieceHashes[i],
			Blocks: gobitmap.New(desc.NumBlocks(i)),
		}
	}

	return &Store{
		desc:   desc,
		sink:   sink,
		opts:   opts,
		log:    opts.Logger.With().Str("infoHash", desc.InfoHash.HexString()).Logger(),
		pieces: pieces,
	}
}

// RecordBlock stores one block. The returned error is non-nil only for
// storage failures, which are sticky and fatal to the torrent.
func (s *Store) RecordBlock(piece, offset int, data []byte) (BlockResult, error) {
	if s.err != nil {
		return DuplicateIgnored, s.err
	}
	if !s.desc.ValidPiece(piece) {
		return InvalidIndex, nil
	}
	block, ok := s.desc.BlockIndex(piece, offset)
	if !ok || len(data) != s.desc.BlockLength(piece, block) {
		return InvalidIndex, nil
	}

	rec := &s.pieces[piece]
	if rec.Complete || rec.Poisoned || rec.Blocks.Get(block) {
		return DuplicateIgnored, nil
	}

	if err := s.sink.Write(piece, offset, data); err != nil {
		return DuplicateIgnored, s.fail(fmt.Errorf("write piece %d offset %d: %v", piece, offset, err))
	}

	rec.Blocks.Set(block, true)
	rec.Received++
	metrics.BytesDownloaded.Add(float64(len(data)))

	if rec.Received == s.desc.NumBlocks(piece) {
		s.verify(rec)
	}

	return Accepted, s.err
}

func (s *Store) verify(rec *PieceRecord) {
	data, err := s.sink.ReadBack(rec.Index)
	if err != nil {
		s.fail(fmt.Errorf("read back piece %d: %v", rec.Index, err))
		return
	}

	sum := sha1.Sum(data)
	if bytes.Equal(sum[:], rec.Hash[:]) {
		if err := s.sink.Flush(rec.Index); err != nil {
			s.fail(fmt.Errorf("flush piece %d: %v", rec.Index, err))
			return
		}
		s.markComplete(rec)
		s.events = append(s.events, Event{Kind: PieceVerified, Piece: rec.Index})
		metrics.PiecesVerified.Inc()
		return
	}

	s.resetBlocks(rec)
	rec.Failures++
	metrics.HashFailures.Inc()

	verr := fmt.Errorf("%w: piece %d (attempt %d): calculated %x, expected %x",
		ErrVerificationFailed, rec.Index, rec.Failures, sum, rec.Hash)
	s.log.Warn().Err(verr).Int("piece", rec.Index).Msg("Piece verification failed")
	s.events = append(s.events, Event{Kind: VerificationFailed, Piece: rec.Index, Err: verr})

	if s.opts.MaxRetries > 0 && rec.Failures > s.opts.MaxRetries {
		rec.Poisoned = true
		perr := fmt.Errorf("%w: piece %d failed verification %d times", ErrPiecePoisoned, rec.Index, rec.Failures)
		s.events = append(s.events, Event{Kind: PiecePoisoned, Piece: rec.Index, Err: perr})
		if s.err == nil {
			s.err = perr
		}
	}
}

func (s *Store) markComplete(rec *PieceRecord) {
	rec.Complete = true
	s.done.Set(uint32(rec.Index))
	s.bytesDone += s.desc.PieceSize(rec.Index)
}

func (s *Store) resetBlocks(rec *PieceRecord) {
	rec.Blocks = gobitmap.New(s.desc.NumBlocks(rec.Index))
	rec.Received = 0
}

func (s *Store) fail(err error) error {
	if s.err == nil {
		s.err = fmt.Errorf("%w: %v", ErrStorage, err)
		s.log.Error().Err(s.err).Msg("Storage failure")
	}
	return s.err
}

// Err returns the first torrent-fatal error: a storage failure or a
// poisoned piece.
func (s *Store) Err() error {
	return s.err
}

func (s *Store) Descriptor() *torrent.Descriptor {
	return s.desc
}

func (s *Store) Progress() Progress {
	return Progress{
		PiecesDone: s.done.Count(),
		NumPieces:  len(s.pieces),
		BytesDone:  s.bytesDone,
		TotalBytes: s.desc.TotalLength,
	}
}

func (s *Store) IsComplete() bool {
	return s.done.Count() == len(s.pieces)
}

func (s *Store) Have(piece int) bool {
	return s.desc.ValidPiece(piece) && s.done.Contains(uint32(piece))
}

// NeedsBlock reports whether block b of piece still has to be downloaded.
func (s *Store) NeedsBlock(piece, block int) bool {
	if !s.desc.ValidPiece(piece) || block < 0 || block >= s.desc.NumBlocks(piece) {
		return false
	}
	rec := &s.pieces[piece]
	return !rec.Complete && !rec.Poisoned && !rec.Blocks.Get(block)
}

// Wanted reports whether any block of piece is still missing.
func (s *Store) Wanted(piece int) bool {
	if !s.desc.ValidPiece(piece) {
		return false
	}
	rec := &s.pieces[piece]
	return !rec.Complete && !rec.Poisoned
}

func (s *Store) Record(piece int) PieceRecord {
	return s.pieces[piece]
}

// ReadPiece returns the verified bytes of piece for uploading.
func (s *Store) ReadPiece(piece int) ([]byte, error) {
	if !s.Have(piece) {
		return nil, fmt.Errorf("%w: %d", ErrNotComplete, piece)
	}
	data, err := s.sink.ReadBack(piece)
	if err != nil {
		return nil, s.fail(fmt.Errorf("read back piece %d: %v", piece, err))
	}
	return data, nil
}

func (s *Store) Bitfield() []bool {
	out := make([]bool, len(s.pieces))
	for i := range s.pieces {
		out[i] = s.pieces[i].Complete
	}
	return out
}

// Partial maps incomplete pieces to the block indexes already on disk.
func (s *Store) Partial() map[int][]int {
	out := make(map[int][]int)
	for i := range s.pieces {
		rec := &s.pieces[i]
		if rec.Complete || rec.Received == 0 {
			continue
		}
		blocks := make([]int, 0, rec.Received)
		for b := 0; b < s.desc.NumBlocks(i); b++ {
			if rec.Blocks.Get(b) {
				blocks = append(blocks, b)
			}
		}
		out[i] = blocks
	}
	return out
}

// TakeEvents returns and clears the verification events queued since the
// last call.
func (s *Store) TakeEvents() []Event {
	out := s.events
	s.events = nil
	return out
}

// Restore seeds the ledger from resume data. It must be called before any
// block is recorded.
func (s *Store) Restore(completed []bool, partial map[int][]int) error {
	if len(completed) != len(s.pieces) {
		return fmt.Errorf("%w: bitfield has %d pieces, torrent has %d", ErrRestoreMismatch, len(completed), len(s.pieces))
	}
	for piece, blocks := range partial {
		if !s.desc.ValidPiece(piece) {
			return fmt.Errorf("%w: partial piece %d out of range", ErrRestoreMismatch, piece)
		}
		for _, b := range blocks {
			if b < 0 || b >= s.desc.NumBlocks(piece) {
				return fmt.Errorf("%w: block %d out of range for piece %d", ErrRestoreMismatch, b, piece)
			}
		}
	}

	for i, ok := range completed {
		if !ok {
			continue
		}
		rec := &s.pieces[i]
		for b := 0; b < s.desc.NumBlocks(i); b++ {
			rec.Blocks.Set(b, true)
		}
		rec.Received = s.desc.NumBlocks(i)
		s.markComplete(rec)
	}

	pieces := make([]int, 0, len(partial))
	for piece := range partial {
		pieces = append(pieces, piece)
	}
	sort.Ints(pieces)

	for _, piece := range pieces {
		rec := &s.pieces[piece]
		if rec.Complete {
			continue
		}
		for _, b := range partial[piece] {
			if !rec.Blocks.Get(b) {
				rec.Blocks.Set(b, true)
				rec.Received++
			}
		}
		if rec.Received == s.desc.NumBlocks(piece) {
			s.verify(rec)
		}
	}

	return s.err
}

// Recheck hashes every complete piece against the data on disk and demotes
// pieces that no longer match. It returns the number of demoted pieces.
func (s *Store) Recheck() int {
	demoted := 0
	for i := range s.pieces {
		rec := &s.pieces[i]
		if !rec.Complete {
			continue
		}
		data, err := s.sink.ReadBack(i)
		if err == nil {
			sum := sha1.Sum(data)
			if bytes.Equal(sum[:], rec.Hash[:]) {
				continue
			}
		}

		rec.Complete = false
		s.done.Remove(uint32(i))
		s.bytesDone -= s.desc.PieceSize(i)
		s.resetBlocks(rec)
		demoted++
	}

	if demoted > 0 {
		s.log.Warn().Int("pieces", demoted).Msg("Resume data did not match data on disk")
	}
	return demoted
}
