// Package resume turns the progress of a torrent into a durable blob and
// back.
package resume

import (
	"fmt"
	"sort"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/samber/lo"

	"torrentd/internal/torrent"
)

const Version = 1

// Source is a read-only view of a torrent instance.
type Source interface {
	InfoHash() metainfo.Hash
	Name() string
	SavePath() string
	// Descriptor is nil while metadata is still missing.
	Descriptor() *torrent.Descriptor
	Bitfield() []bool
	Partial() map[int][]int
	Hints() []string
}

type PartialPiece struct {
	Piece  int   `bencode:"piece"`
	Blocks []int `bencode:"blocks"`
}

// State is the versioned resume record. Pieces is a bitfield with the
// high bit of the first byte standing for piece 0.
type State struct {
	Version   int            `bencode:"version"`
	InfoHash  []byte         `bencode:"info_hash"`
	Name      string         `bencode:"name,omitempty"`
	SavePath  string         `bencode:"save_path"`
	Info      []byte         `bencode:"info,omitempty"`
	NumPieces int            `bencode:"num_pieces"`
	Pieces    []byte         `bencode:"pieces,omitempty"`
	Partial   []PartialPiece `bencode:"partial,omitempty"`
	Peers     []string       `bencode:"peers,omitempty"`
}

// Snapshot captures src without modifying it. Everything in the returned
// state is a copy, so it may be encoded on another goroutine.
func Snapshot(src Source) State {
	ih := src.InfoHash()
	st := State{
		Version:  Version,
		InfoHash: append([]byte(nil), ih[:]...),
		Name:     src.Name(),
		SavePath: src.SavePath(),
		Peers:    append([]string(nil), src.Hints()...),
	}

	desc := src.Descriptor()
	if desc == nil {
		return st
	}

	bits := src.Bitfield()
	st.Info = append([]byte(nil), desc.InfoBytes...)
	st.NumPieces = len(bits)
	st.Pieces = packBits(bits)

	partial := src.Partial()
	pieces := lo.Keys(partial)
	sort.Ints(pieces)
	for _, p := range pieces {
		st.Partial = append(st.Partial, PartialPiece{Piece: p, Blocks: append([]int(nil), partial[p]...)})
	}
	return st
}

func Encode(st State) ([]byte, error) {
	blob, err := bencode.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("failed to encode resume data: %w", err)
	}
	return blob, nil
}

// Restore decodes and validates blob. Any problem is reported as ErrDecode
// so callers can fall back to a fresh start.
func Restore(blob []byte) (State, error) {
	var st State
	if err := bencode.Unmarshal(blob, &st); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := st.validate(); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return st, nil
}

func (st State) validate() error {
	if st.Version != Version {
		return fmt.Errorf("unsupported version %d", st.Version)
	}
	if len(st.InfoHash) != len(metainfo.Hash{}) {
		return fmt.Errorf("info-hash has %d bytes", len(st.InfoHash))
	}
	if len(st.Info) > 0 && metainfo.HashBytes(st.Info) != st.Hash() {
		return fmt.Errorf("info dictionary does not match info-hash")
	}
	if st.NumPieces < 0 || len(st.Pieces) != (st.NumPieces+7)/8 {
		return fmt.Errorf("bitfield of %d bytes for %d pieces", len(st.Pieces), st.NumPieces)
	}

	completed := st.Completed()
	if lo.Contains(unpackBits(st.Pieces, len(st.Pieces)*8)[st.NumPieces:], true) {
		return fmt.Errorf("bitfield has spare bits set")
	}

	seen := make(map[int]bool, len(st.Partial))
	for _, pp := range st.Partial {
		if pp.Piece < 0 || pp.Piece >= st.NumPieces {
			return fmt.Errorf("partial piece %d out of range", pp.Piece)
		}
		if seen[pp.Piece] {
			return fmt.Errorf("partial piece %d listed twice", pp.Piece)
		}
		seen[pp.Piece] = true
		if completed[pp.Piece] {
			return fmt.Errorf("partial piece %d is also complete", pp.Piece)
		}
		if len(pp.Blocks) == 0 {
			return fmt.Errorf("partial piece %d has no blocks", pp.Piece)
		}
		for i, b := range pp.Blocks {
			if b < 0 || (i > 0 && b <= pp.Blocks[i-1]) {
				return fmt.Errorf("partial piece %d has unordered blocks", pp.Piece)
			}
		}
	}
	return nil
}

func (st State) Hash() metainfo.Hash {
	var h metainfo.Hash
	copy(h[:], st.InfoHash)
	return h
}

func (st State) Completed() []bool {
	return unpackBits(st.Pieces, st.NumPieces)
}

func (st State) PartialMap() map[int][]int {
	out := make(map[int][]int, len(st.Partial))
	for _, pp := range st.Partial {
		out[pp.Piece] = append([]int(nil), pp.Blocks...)
	}
	return out
}

func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, set := range bits {
		if set {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

func unpackBits(b []byte, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = b[i/8]&(0x80>>uint(i%8)) != 0
	}
	return out
}
