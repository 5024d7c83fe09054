package transport

import (
	"bytes"
	"testing"

	"github.com/anacrolix/torrent/bencode"
	pp "github.com/anacrolix/torrent/peer_protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataMsg(t *testing.T, piece, total int, data []byte) []byte {
	t.Helper()
	hdr, err := bencode.Marshal(metadataMsg{MsgType: metadataData, Piece: piece, TotalSize: total})
	require.NoError(t, err)
	return append(hdr, data...)
}

func TestMetadataFetchAssemblesPieces(t *testing.T) {
	info := bytes.Repeat([]byte("abcdefgh"), (metadataPieceSize+100)/8)
	size := len(info)

	f, err := newMetadataFetch(5, size)
	require.NoError(t, err)

	reqs, err := f.nextRequests()
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	for i, r := range reqs {
		assert.Equal(t, pp.Extended, r.Type)
		assert.EqualValues(t, 5, r.ExtendedID)
		var m metadataMsg
		require.NoError(t, bencode.Unmarshal(r.ExtendedPayload, &m))
		assert.Equal(t, metadataRequest, m.MsgType)
		assert.Equal(t, i, m.Piece)
	}

	// Second piece first, plus a duplicate.
	out, err := f.add(dataMsg(t, 1, size, info[metadataPieceSize:]))
	require.NoError(t, err)
	assert.Nil(t, out)
	out, err = f.add(dataMsg(t, 1, size, info[metadataPieceSize:]))
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = f.add(dataMsg(t, 0, size, info[:metadataPieceSize]))
	require.NoError(t, err)
	assert.Equal(t, info, out)
}

func requestedPieces(t *testing.T, msgs []pp.Message) []int {
	t.Helper()
	var pieces []int
	for _, r := range msgs {
		var m metadataMsg
		require.NoError(t, bencode.Unmarshal(r.ExtendedPayload, &m))
		pieces = append(pieces, m.Piece)
	}
	return pieces
}

func TestMetadataFetchKeepsWindow(t *testing.T) {
	const n = 3 * metadataWindow
	size := n * metadataPieceSize
	f, err := newMetadataFetch(2, size)
	require.NoError(t, err)

	reqs, err := f.nextRequests()
	require.NoError(t, err)
	require.Len(t, reqs, metadataWindow)
	assert.Equal(t, 0, requestedPieces(t, reqs)[0])

	// Full window, nothing more until data arrives.
	reqs, err = f.nextRequests()
	require.NoError(t, err)
	assert.Empty(t, reqs)

	piece := make([]byte, metadataPieceSize)
	_, err = f.add(dataMsg(t, 0, size, piece))
	require.NoError(t, err)
	_, err = f.add(dataMsg(t, 1, size, piece))
	require.NoError(t, err)

	reqs, err = f.nextRequests()
	require.NoError(t, err)
	assert.Equal(t, []int{metadataWindow, metadataWindow + 1}, requestedPieces(t, reqs))

	var out []byte
	for i := 2; i < n; i++ {
		_, err := f.nextRequests()
		require.NoError(t, err)
		out, err = f.add(dataMsg(t, i, size, piece))
		require.NoError(t, err)
	}
	assert.Len(t, out, size)

	reqs, err = f.nextRequests()
	require.NoError(t, err)
	assert.Empty(t, reqs)
}

func TestMetadataFetchRejects(t *testing.T) {
	_, err := newMetadataFetch(1, 0)
	assert.Error(t, err)
	_, err = newMetadataFetch(1, maxMetadataSize+1)
	assert.Error(t, err)

	f, err := newMetadataFetch(1, 10)
	require.NoError(t, err)

	_, err = f.add(dataMsg(t, 0, 10, []byte("short")))
	assert.Error(t, err)

	_, err = f.add(dataMsg(t, 3, 10, make([]byte, 10)))
	assert.Error(t, err)

	reject, err := bencode.Marshal(metadataMsg{MsgType: metadataReject, Piece: 0})
	require.NoError(t, err)
	_, err = f.add(reject)
	assert.Error(t, err)
}
