package transport

import (
	"errors"
	"fmt"

	"github.com/anacrolix/torrent/bencode"
	pp "github.com/anacrolix/torrent/peer_protocol"
)

const (
	utMetadata = "ut_metadata"

	// Extension id we ask peers to use when sending ut_metadata to us.
	localMetadataID = 1

	metadataPieceSize = 16 * 1024
	maxMetadataSize   = 8 * 1024 * 1024

	// Metadata pieces requested but not yet received, per connection.
	metadataWindow = 16
)

const (
	metadataRequest = iota
	metadataData
	metadataReject
)

type extendedHandshake struct {
	M            map[string]int `bencode:"m"`
	V            string         `bencode:"v,omitempty"`
	MetadataSize int            `bencode:"metadata_size,omitempty"`
}

type metadataMsg struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// metadataFetch assembles an info dictionary from ut_metadata pieces. At
// most metadataWindow pieces are outstanding; the connection's writer asks
// for more as data arrives.
type metadataFetch struct {
	remoteID int
	size     int
	pieces   [][]byte
	received int
	next     int
}

func newMetadataFetch(remoteID, size int) (*metadataFetch, error) {
	if size <= 0 || size > maxMetadataSize {
		return nil, fmt.Errorf("unacceptable metadata size %d", size)
	}
	n := (size + metadataPieceSize - 1) / metadataPieceSize
	return &metadataFetch{remoteID: remoteID, size: size, pieces: make([][]byte, n)}, nil
}

// nextRequests returns requests for pieces not yet asked for, keeping the
// number outstanding within metadataWindow.
func (f *metadataFetch) nextRequests() ([]pp.Message, error) {
	var msgs []pp.Message
	for f.next < len(f.pieces) && f.next-f.received < metadataWindow {
		payload, err := bencode.Marshal(metadataMsg{MsgType: metadataRequest, Piece: f.next})
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, pp.Message{
			Type:            pp.Extended,
			ExtendedID:      pp.ExtensionNumber(f.remoteID),
			ExtendedPayload: payload,
		})
		f.next++
	}
	return msgs, nil
}

func (f *metadataFetch) pieceLength(piece int) int {
	if piece == len(f.pieces)-1 {
		if rem := f.size % metadataPieceSize; rem != 0 {
			return rem
		}
	}
	return metadataPieceSize
}

// add stores one data message. It returns the full info dictionary once
// every piece has arrived.
func (f *metadataFetch) add(payload []byte) ([]byte, error) {
	var msg metadataMsg
	err := bencode.Unmarshal(payload, &msg)

	var trailing bencode.ErrUnusedTrailingBytes
	data := []byte(nil)
	switch {
	case errors.As(err, &trailing):
		data = payload[len(payload)-trailing.NumUnusedBytes:]
	case err != nil:
		return nil, fmt.Errorf("failed to decode ut_metadata message: %w", err)
	}

	switch msg.MsgType {
	case metadataData:
	case metadataReject:
		return nil, fmt.Errorf("peer rejected metadata piece %d", msg.Piece)
	default:
		return nil, nil
	}

	if msg.Piece < 0 || msg.Piece >= len(f.pieces) {
		return nil, fmt.Errorf("metadata piece %d out of range", msg.Piece)
	}
	if len(data) != f.pieceLength(msg.Piece) {
		return nil, fmt.Errorf("metadata piece %d has %d bytes, expected %d", msg.Piece, len(data), f.pieceLength(msg.Piece))
	}
	if f.pieces[msg.Piece] == nil {
		f.pieces[msg.Piece] = append([]byte(nil), data...)
		f.received++
	}
	if f.received < len(f.pieces) {
		return nil, nil
	}

	info := make([]byte, 0, f.size)
	for _, p := range f.pieces {
		info = append(info, p...)
	}
	return info, nil
}
