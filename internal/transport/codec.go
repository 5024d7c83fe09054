package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"

	"torrentd/internal/peer"
)

const (
	protocol = "BitTorrent protocol"

	handshakeLength = 1 + len(protocol) + 8 + 20 + 20

	// Large enough for a 128 KiB piece message and any bitfield we accept.
	maxMessageLength = 1<<17 + 9

	// Reserved bit announcing the extension protocol.
	extensionBit = 0x10
)

type handshake struct {
	infoHash   metainfo.Hash
	peerID     [20]byte
	extensions bool
}

func writeHandshake(w io.Writer, hs handshake) error {
	buf := make([]byte, 0, handshakeLength)
	buf = append(buf, byte(len(protocol)))
	buf = append(buf, protocol...)
	reserved := make([]byte, 8)
	if hs.extensions {
		reserved[5] |= extensionBit
	}
	buf = append(buf, reserved...)
	buf = append(buf, hs.infoHash[:]...)
	buf = append(buf, hs.peerID[:]...)

	_, err := w.Write(buf)
	return err
}

func readHandshake(r io.Reader) (handshake, error) {
	buf := make([]byte, handshakeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return handshake{}, fmt.Errorf("failed to read handshake: %w", err)
	}
	if int(buf[0]) != len(protocol) || string(buf[1:1+len(protocol)]) != protocol {
		return handshake{}, fmt.Errorf("%w: unexpected protocol string %q", peer.ErrProtocolViolation, buf[1:1+len(protocol)])
	}

	var hs handshake
	reserved := buf[1+len(protocol) : 1+len(protocol)+8]
	hs.extensions = reserved[5]&extensionBit != 0
	copy(hs.infoHash[:], buf[1+len(protocol)+8:])
	copy(hs.peerID[:], buf[1+len(protocol)+8+20:])
	return hs, nil
}

func writeMessage(w io.Writer, msg pp.Message) error {
	b, err := msg.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode %v message: %w", msg.Type, err)
	}
	_, err = w.Write(b)
	return err
}

// readMessage reads one length-prefixed message. It returns the decoded
// message and the number of bytes consumed from r.
func readMessage(r io.Reader) (pp.Message, int, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return pp.Message{}, 0, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return pp.Message{Keepalive: true}, 4, nil
	}
	if length > maxMessageLength {
		return pp.Message{}, 4, fmt.Errorf("%w: %w: %d bytes", peer.ErrProtocolViolation, ErrMessageTooLong, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return pp.Message{}, 4, err
	}

	msg, err := decodeBody(body)
	return msg, 4 + int(length), err
}

func decodeBody(body []byte) (pp.Message, error) {
	msg := pp.Message{Type: pp.MessageType(body[0])}
	payload := body[1:]

	need := func(n int) error {
		if len(payload) != n {
			return fmt.Errorf("%w: %v message with %d byte payload", peer.ErrProtocolViolation, msg.Type, len(payload))
		}
		return nil
	}
	u32 := func(off int) pp.Integer {
		return pp.Integer(binary.BigEndian.Uint32(payload[off:]))
	}

	switch msg.Type {
	case pp.Choke, pp.Unchoke, pp.Interested, pp.NotInterested:
		return msg, need(0)
	case pp.Have:
		if err := need(4); err != nil {
			return msg, err
		}
		msg.Index = u32(0)
	case pp.Bitfield:
		msg.Bitfield = unpackBitfield(payload)
	case pp.Request, pp.Cancel:
		if err := need(12); err != nil {
			return msg, err
		}
		msg.Index, msg.Begin, msg.Length = u32(0), u32(4), u32(8)
	case pp.Piece:
		if len(payload) < 8 {
			return msg, need(8)
		}
		msg.Index, msg.Begin = u32(0), u32(4)
		msg.Piece = payload[8:]
	case pp.Port:
		if err := need(2); err != nil {
			return msg, err
		}
		msg.Port = binary.BigEndian.Uint16(payload)
	case pp.Extended:
		if len(payload) < 1 {
			return msg, need(1)
		}
		msg.ExtendedID = pp.ExtensionNumber(payload[0])
		msg.ExtendedPayload = payload[1:]
	default:
		// Unknown messages are passed on untouched; peers may speak
		// extensions we do not implement.
	}
	return msg, nil
}

func unpackBitfield(b []byte) []bool {
	bits := make([]bool, len(b)*8)
	for i := range bits {
		bits[i] = b[i/8]&(0x80>>uint(i%8)) != 0
	}
	return bits
}
