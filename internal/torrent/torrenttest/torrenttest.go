// Package torrenttest builds small in-memory torrents for tests.
package torrenttest

import (
	"crypto/sha1"
	"math/rand"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/require"

	"torrentd/internal/torrent"
)

// Fixture is a generated torrent together with its full content.
type Fixture struct {
	Descriptor *torrent.Descriptor
	Data       []byte
	InfoBytes  []byte
}

// New generates size bytes of deterministic content split into pieces of
// pieceLength and returns the matching descriptor rooted at savePath.
func New(t testing.TB, name string, size int, pieceLength int64, savePath string) Fixture {
	t.Helper()

	data := make([]byte, size)
	rng := rand.New(rand.NewSource(int64(size) ^ pieceLength))
	rng.Read(data)

	var pieces []byte
	for off := 0; off < size; off += int(pieceLength) {
		end := off + int(pieceLength)
		if end > size {
			end = size
		}
		sum := sha1.Sum(data[off:end])
		pieces = append(pieces, sum[:]...)
	}

	info := metainfo.Info{
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
		Length:      int64(size),
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)

	desc, err := torrent.NewDescriptor(infoBytes, savePath)
	require.NoError(t, err)

	return Fixture{Descriptor: desc, Data: data, InfoBytes: infoBytes}
}

// Piece returns the content of piece index.
func (f Fixture) Piece(index int) []byte {
	start := int64(index) * f.Descriptor.PieceLength
	return f.Data[start : start+f.Descriptor.PieceSize(index)]
}

// Block returns the content of block b of piece index.
func (f Fixture) Block(index, b int) []byte {
	p := f.Piece(index)
	begin := b * torrent.BlockSize
	return p[begin : begin+f.Descriptor.BlockLength(index, b)]
}

// Source returns a source carrying the full metadata.
func (f Fixture) Source() torrent.Source {
	return torrent.Source{
		InfoHash:  f.Descriptor.InfoHash,
		Name:      f.Descriptor.Name,
		InfoBytes: f.InfoBytes,
	}
}

// Magnet returns a metadata-less source for the same torrent.
func (f Fixture) Magnet() torrent.Source {
	return torrent.Source{InfoHash: f.Descriptor.InfoHash, Name: f.Descriptor.Name}
}
