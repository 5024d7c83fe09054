package piecestore

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentd/internal/storage"
	"torrentd/internal/torrent"
	"torrentd/internal/torrent/torrenttest"
)

func newStore(t *testing.T, fx torrenttest.Fixture, maxRetries int) (*Store, *storage.FileStore) {
	t.Helper()
	sink, err := storage.NewFileStore(afero.NewMemMapFs(), fx.Descriptor, 4)
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })
	return New(fx.Descriptor, sink, Options{MaxRetries: maxRetries, Logger: zerolog.Nop()}), sink
}

func deliverPiece(t *testing.T, s *Store, fx torrenttest.Fixture, piece int) {
	t.Helper()
	for b := 0; b < fx.Descriptor.NumBlocks(piece); b++ {
		res, err := s.RecordBlock(piece, b*torrent.BlockSize, fx.Block(piece, b))
		require.NoError(t, err)
		require.Equal(t, Accepted, res)
	}
}

func TestRecordBlockCompletesExactlyOnce(t *testing.T) {
	fx := torrenttest.New(t, "once.bin", 2*32768+1000, 32768, "/dl")
	s, _ := newStore(t, fx, 3)

	completions := 0
	wasComplete := false
	// Deliver blocks out of order and with duplicates.
	order := [][2]int{{2, 0}, {0, 1}, {0, 1}, {1, 0}, {0, 0}, {1, 1}, {2, 0}, {1, 1}}
	for _, pb := range order {
		res, err := s.RecordBlock(pb[0], pb[1]*torrent.BlockSize, fx.Block(pb[0], pb[1]))
		require.NoError(t, err)
		assert.NotEqual(t, InvalidIndex, res)

		if s.IsComplete() && !wasComplete {
			completions++
		}
		wasComplete = s.IsComplete()
	}

	assert.Equal(t, 1, completions)
	assert.True(t, s.IsComplete())

	// After completion nothing is re-processed.
	res, err := s.RecordBlock(0, 0, fx.Block(0, 0))
	require.NoError(t, err)
	assert.Equal(t, DuplicateIgnored, res)

	p := s.Progress()
	assert.Equal(t, 3, p.PiecesDone)
	assert.Equal(t, fx.Descriptor.TotalLength, p.BytesDone)
	assert.Equal(t, fx.Descriptor.TotalLength, p.TotalBytes)

	events := s.TakeEvents()
	require.Len(t, events, 3)
	for _, ev := range events {
		assert.Equal(t, PieceVerified, ev.Kind)
	}
	assert.Empty(t, s.TakeEvents())
}

func TestRecordBlockInvalid(t *testing.T) {
	fx := torrenttest.New(t, "inv.bin", 40000, 32768, "/dl")
	s, _ := newStore(t, fx, 3)

	cases := []struct {
		name   string
		piece  int
		offset int
		data   []byte
	}{
		{"negative piece", -1, 0, fx.Block(0, 0)},
		{"piece past end", 2, 0, fx.Block(0, 0)},
		{"unaligned offset", 0, 100, fx.Block(0, 0)},
		{"offset past piece", 1, torrent.BlockSize, fx.Block(0, 0)},
		{"short block", 0, 0, fx.Block(0, 0)[:10]},
		{"tail block too long", 1, 0, fx.Block(0, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := s.RecordBlock(tc.piece, tc.offset, tc.data)
			require.NoError(t, err)
			assert.Equal(t, InvalidIndex, res)
		})
	}
	assert.Equal(t, 0, s.Progress().PiecesDone)
}

func TestVerificationFailureResetsPiece(t *testing.T) {
	fx := torrenttest.New(t, "bad.bin", 32768, 32768, "/dl")
	s, _ := newStore(t, fx, 3)

	bad := make([]byte, torrent.BlockSize)
	_, err := s.RecordBlock(0, 0, fx.Block(0, 0))
	require.NoError(t, err)
	res, err := s.RecordBlock(0, torrent.BlockSize, bad)
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)

	assert.False(t, s.IsComplete())
	assert.True(t, s.NeedsBlock(0, 0), "bits are discarded after a failed verification")
	assert.True(t, s.NeedsBlock(0, 1))

	events := s.TakeEvents()
	require.Len(t, events, 1)
	assert.Equal(t, VerificationFailed, events[0].Kind)
	assert.ErrorIs(t, events[0].Err, ErrVerificationFailed)
	assert.NoError(t, s.Err())

	deliverPiece(t, s, fx, 0)
	assert.True(t, s.IsComplete())
}

func TestPoisonAfterRetries(t *testing.T) {
	fx := torrenttest.New(t, "poison.bin", 16384, 16384, "/dl")
	s, _ := newStore(t, fx, 2)

	garbage := make([]byte, torrent.BlockSize)
	for i := 0; i < 3; i++ {
		_, err := s.RecordBlock(0, 0, garbage)
		if i < 2 {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, ErrPiecePoisoned)
		}
	}

	assert.ErrorIs(t, s.Err(), ErrPiecePoisoned)
	assert.False(t, s.Wanted(0))

	kinds := []EventKind{}
	for _, ev := range s.TakeEvents() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{VerificationFailed, VerificationFailed, VerificationFailed, PiecePoisoned}, kinds)
}

func TestUnlimitedRetries(t *testing.T) {
	fx := torrenttest.New(t, "forever.bin", 16384, 16384, "/dl")
	s, _ := newStore(t, fx, 0)

	garbage := make([]byte, torrent.BlockSize)
	for i := 0; i < 10; i++ {
		_, err := s.RecordBlock(0, 0, garbage)
		require.NoError(t, err)
	}
	assert.NoError(t, s.Err())
	assert.True(t, s.Wanted(0))
	assert.Equal(t, 10, s.Record(0).Failures)
}

type failingSink struct {
	storage.Sink
	failWrite bool
}

func (f *failingSink) Write(piece, offset int, data []byte) error {
	if f.failWrite {
		return errors.New("no space left on device")
	}
	return f.Sink.Write(piece, offset, data)
}

func TestStorageFailureIsSticky(t *testing.T) {
	fx := torrenttest.New(t, "disk.bin", 32768, 16384, "/dl")
	inner, err := storage.NewFileStore(afero.NewMemMapFs(), fx.Descriptor, 2)
	require.NoError(t, err)
	sink := &failingSink{Sink: inner, failWrite: true}
	s := New(fx.Descriptor, sink, Options{MaxRetries: 3, Logger: zerolog.Nop()})

	_, err = s.RecordBlock(0, 0, fx.Block(0, 0))
	require.ErrorIs(t, err, ErrStorage)

	sink.failWrite = false
	_, err = s.RecordBlock(1, 0, fx.Block(1, 0))
	require.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, s.Err(), ErrStorage)
}

func TestRestoreMatchesSnapshot(t *testing.T) {
	fx := torrenttest.New(t, "restore.bin", 3*32768, 32768, "/dl")
	fs := afero.NewMemMapFs()
	sink, err := storage.NewFileStore(fs, fx.Descriptor, 4)
	require.NoError(t, err)

	orig := New(fx.Descriptor, sink, Options{Logger: zerolog.Nop()})
	deliverPiece(t, orig, fx, 1)
	_, err = orig.RecordBlock(2, torrent.BlockSize, fx.Block(2, 1))
	require.NoError(t, err)

	bitfield, partial := orig.Bitfield(), orig.Partial()
	assert.Equal(t, []bool{false, true, false}, bitfield)
	assert.Equal(t, map[int][]int{2: {1}}, partial)

	restored := New(fx.Descriptor, sink, Options{Logger: zerolog.Nop()})
	require.NoError(t, restored.Restore(bitfield, partial))

	assert.Equal(t, orig.Progress(), restored.Progress())
	assert.Equal(t, orig.Bitfield(), restored.Bitfield())
	assert.Equal(t, orig.Partial(), restored.Partial())
	assert.Equal(t, 0, restored.Recheck())

	// Finishing piece 2 only needs the block that was not on disk.
	res, err := restored.RecordBlock(2, 0, fx.Block(2, 0))
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)
	assert.True(t, restored.Have(2))
}

func TestRestoreRejectsWrongShape(t *testing.T) {
	fx := torrenttest.New(t, "shape.bin", 32768, 16384, "/dl")
	s, _ := newStore(t, fx, 3)

	require.ErrorIs(t, s.Restore([]bool{true}, nil), ErrRestoreMismatch)
	require.ErrorIs(t, s.Restore([]bool{false, false}, map[int][]int{0: {5}}), ErrRestoreMismatch)
}

func TestRecheckDemotesCorruptPieces(t *testing.T) {
	fx := torrenttest.New(t, "recheck.bin", 2*16384, 16384, "/dl")
	s, _ := newStore(t, fx, 3)

	// Nothing was ever written, so the claimed pieces cannot verify.
	require.NoError(t, s.Restore([]bool{true, true}, nil))
	assert.True(t, s.IsComplete())

	assert.Equal(t, 2, s.Recheck())
	assert.False(t, s.IsComplete())
	assert.Equal(t, int64(0), s.Progress().BytesDone)
	assert.True(t, s.NeedsBlock(0, 0))
}

func TestReadPiece(t *testing.T) {
	fx := torrenttest.New(t, "read.bin", 2*16384, 16384, "/dl")
	s, _ := newStore(t, fx, 3)

	_, err := s.ReadPiece(0)
	require.ErrorIs(t, err, ErrNotComplete)

	deliverPiece(t, s, fx, 0)
	data, err := s.ReadPiece(0)
	require.NoError(t, err)
	assert.Equal(t, fx.Piece(0), data)
}
