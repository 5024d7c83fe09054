package transport

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"

	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentd/internal/peer"
)

func TestHandshakeOverPipe(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sent := handshake{
		infoHash:   metainfo.NewHashFromHex("0102030405060708090a0b0c0d0e0f1011121314"),
		peerID:     NewPeerID(),
		extensions: true,
	}

	errc := make(chan error, 1)
	go func() { errc <- writeHandshake(a, sent) }()

	got, err := readHandshake(b)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, sent, got)
	assert.Equal(t, peerIDPrefix, string(got.peerID[:len(peerIDPrefix)]))
}

func TestReadHandshakeRejectsOtherProtocols(t *testing.T) {
	buf := make([]byte, handshakeLength)
	buf[0] = byte(len(protocol))
	copy(buf[1:], "NotTorrent protocol")

	_, err := readHandshake(bytes.NewReader(buf))
	assert.ErrorIs(t, err, peer.ErrProtocolViolation)
}

func TestMessageRoundTrip(t *testing.T) {
	msgs := []pp.Message{
		{Keepalive: true},
		{Type: pp.Interested},
		{Type: pp.Have, Index: 7},
		{Type: pp.Request, Index: 1, Begin: 16384, Length: 16384},
		{Type: pp.Cancel, Index: 1, Begin: 0, Length: 100},
		{Type: pp.Piece, Index: 2, Begin: 32, Piece: []byte("block")},
		{Type: pp.Bitfield, Bitfield: []bool{true, false, true, false, false, false, false, true}},
		{Type: pp.Extended, ExtendedID: 3, ExtendedPayload: []byte("d1:ai1ee")},
	}

	var buf bytes.Buffer
	for _, msg := range msgs {
		require.NoError(t, writeMessage(&buf, msg))
	}

	total := buf.Len()
	consumed := 0
	for _, want := range msgs {
		got, n, err := readMessage(&buf)
		require.NoError(t, err)
		consumed += n
		assert.Equal(t, want.Keepalive, got.Keepalive)
		if want.Keepalive {
			continue
		}
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, want.Index, got.Index)
		assert.Equal(t, want.Begin, got.Begin)
		assert.Equal(t, want.Length, got.Length)
		assert.Equal(t, want.Bitfield, got.Bitfield)
		assert.Equal(t, string(want.Piece), string(got.Piece))
		assert.Equal(t, want.ExtendedID, got.ExtendedID)
		assert.Equal(t, string(want.ExtendedPayload), string(got.ExtendedPayload))
	}
	assert.Equal(t, total, consumed)
}

func TestReadMessageLimits(t *testing.T) {
	t.Run("too long", func(t *testing.T) {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], maxMessageLength+1)
		_, _, err := readMessage(bytes.NewReader(prefix[:]))
		assert.ErrorIs(t, err, ErrMessageTooLong)
		assert.ErrorIs(t, err, peer.ErrProtocolViolation)
	})

	t.Run("short have", func(t *testing.T) {
		raw := []byte{0, 0, 0, 3, byte(pp.Have), 0, 1}
		_, _, err := readMessage(bytes.NewReader(raw))
		assert.ErrorIs(t, err, peer.ErrProtocolViolation)
	})

	t.Run("payload on choke", func(t *testing.T) {
		raw := []byte{0, 0, 0, 2, byte(pp.Choke), 9}
		_, _, err := readMessage(bytes.NewReader(raw))
		assert.ErrorIs(t, err, peer.ErrProtocolViolation)
	})
}
