package torrent_test

import (
	"crypto/sha1"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentd/internal/torrent"
	"torrentd/internal/torrent/torrenttest"
)

func TestDescriptorGeometry(t *testing.T) {
	// 2 full pieces of 32 KiB and a 10000 byte tail piece.
	fx := torrenttest.New(t, "geometry.bin", 2*32768+10000, 32768, "/downloads")
	d := fx.Descriptor

	assert.Equal(t, 3, d.NumPieces())
	assert.Equal(t, int64(32768), d.PieceSize(0))
	assert.Equal(t, int64(10000), d.PieceSize(2))
	assert.Equal(t, int64(0), d.PieceSize(3))

	assert.Equal(t, 2, d.NumBlocks(0))
	assert.Equal(t, 1, d.NumBlocks(2))
	assert.Equal(t, torrent.BlockSize, d.BlockLength(0, 1))
	assert.Equal(t, 10000, d.BlockLength(2, 0))
	assert.Equal(t, 0, d.BlockLength(2, 1))

	b, ok := d.BlockIndex(0, torrent.BlockSize)
	assert.True(t, ok)
	assert.Equal(t, 1, b)
	_, ok = d.BlockIndex(0, 100)
	assert.False(t, ok)
	_, ok = d.BlockIndex(2, torrent.BlockSize)
	assert.False(t, ok)

	assert.Equal(t, "/downloads", d.SavePath)
	assert.Equal(t, []torrent.File{{Path: "geometry.bin", Length: int64(2*32768 + 10000)}}, d.Files)
}

func TestNewDescriptorForRejectsForeignInfo(t *testing.T) {
	fx := torrenttest.New(t, "a.bin", 40000, 16384, ".")
	other := torrenttest.New(t, "b.bin", 50000, 16384, ".")

	_, err := torrent.NewDescriptorFor(other.Descriptor.InfoHash, fx.InfoBytes, ".")
	require.ErrorIs(t, err, torrent.ErrInfoHashMismatch)

	d, err := torrent.NewDescriptorFor(fx.Descriptor.InfoHash, fx.InfoBytes, ".")
	require.NoError(t, err)
	assert.Equal(t, fx.Descriptor.PieceHashes, d.PieceHashes)
}

func TestNewDescriptorRejectsBadPieces(t *testing.T) {
	info := metainfo.Info{Name: "x", PieceLength: 16384, Length: 40000, Pieces: make([]byte, sha1.Size)}
	raw, err := bencode.Marshal(info)
	require.NoError(t, err)

	_, err = torrent.NewDescriptor(raw, ".")
	require.ErrorIs(t, err, torrent.ErrInvalidMetadata)
}

func TestMultiFileLayout(t *testing.T) {
	info := metainfo.Info{
		Name:        "album",
		PieceLength: 16384,
		Pieces:      make([]byte, 2*sha1.Size),
		Files: []metainfo.FileInfo{
			{Length: 20000, Path: []string{"cd1", "a.flac"}},
			{Length: 5000, Path: []string{"b.flac"}},
		},
	}
	raw, err := bencode.Marshal(info)
	require.NoError(t, err)

	d, err := torrent.NewDescriptor(raw, ".")
	require.NoError(t, err)

	assert.Equal(t, int64(25000), d.TotalLength)
	require.Len(t, d.Files, 2)
	assert.Equal(t, "album/cd1/a.flac", d.Files[0].Path)
	assert.Equal(t, int64(20000), d.Files[1].Offset)
}

func TestParseMagnet(t *testing.T) {
	fx := torrenttest.New(t, "m.bin", 20000, 16384, ".")
	uri := "magnet:?xt=urn:btih:" + fx.Descriptor.InfoHash.HexString() +
		"&dn=m.bin&tr=udp%3A%2F%2Ftracker.example%3A6969&x.pe=10.0.0.1%3A6881"

	src, err := torrent.ParseSource(afero.NewMemMapFs(), uri)
	require.NoError(t, err)

	assert.Equal(t, fx.Descriptor.InfoHash, src.InfoHash)
	assert.Equal(t, "m.bin", src.Name)
	assert.Equal(t, []string{"udp://tracker.example:6969"}, src.Trackers)
	assert.Equal(t, []string{"10.0.0.1:6881"}, src.Peers)
	assert.False(t, src.HasMetadata())
}

func TestLoadTorrentFile(t *testing.T) {
	fx := torrenttest.New(t, "f.bin", 30000, 16384, ".")
	mi := metainfo.MetaInfo{Announce: "http://tracker.example/announce", InfoBytes: fx.InfoBytes}
	raw, err := bencode.Marshal(mi)
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "f.torrent", raw, 0o644))

	src, err := torrent.ParseSource(fs, "f.torrent")
	require.NoError(t, err)
	assert.Equal(t, fx.Descriptor.InfoHash, src.InfoHash)
	assert.True(t, src.HasMetadata())
	assert.Equal(t, []string{"http://tracker.example/announce"}, src.Trackers)

	_, err = torrent.ParseSource(fs, "missing.torrent")
	require.ErrorIs(t, err, torrent.ErrUnsupportedSource)
}

func TestNewDescriptorRejectsEscapingPaths(t *testing.T) {
	pieces := make([]byte, sha1.Size)

	tests := []struct {
		name string
		info metainfo.Info
	}{
		{
			name: "parent components in file path",
			info: metainfo.Info{Name: "set", PieceLength: 16384, Pieces: pieces, Files: []metainfo.FileInfo{
				{Length: 100, Path: []string{"..", "..", "etc", "escape"}},
			}},
		},
		{
			name: "parent torrent name",
			info: metainfo.Info{Name: "..", PieceLength: 16384, Pieces: pieces, Files: []metainfo.FileInfo{
				{Length: 100, Path: []string{"escape"}},
			}},
		},
		{
			name: "absolute single file",
			info: metainfo.Info{Name: "/etc/passwd", PieceLength: 16384, Pieces: pieces, Length: 100},
		},
		{
			name: "empty single file name",
			info: metainfo.Info{Name: "", PieceLength: 16384, Pieces: pieces, Length: 100},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := bencode.Marshal(tt.info)
			require.NoError(t, err)
			_, err = torrent.NewDescriptor(raw, "/dl")
			assert.ErrorIs(t, err, torrent.ErrInvalidMetadata)
		})
	}
}

func TestSafeFilePath(t *testing.T) {
	p, err := torrent.SafeFilePath("set", "sub", "..", "b")
	require.NoError(t, err)
	assert.Equal(t, "set/b", p)

	_, err = torrent.SafeFilePath("set", "..", "..", "b")
	assert.ErrorIs(t, err, torrent.ErrInvalidMetadata)

	_, err = torrent.SafeFilePath("../etc/escape")
	assert.ErrorIs(t, err, torrent.ErrInvalidMetadata)
}
