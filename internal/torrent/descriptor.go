package torrent

import (
	"crypto/sha1"
	"fmt"
	"path/filepath"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
)

// Descriptor is the immutable identity and geometry of a torrent. Share it by
// pointer; nothing mutates it after an instance starts.
type Descriptor struct {
	InfoHash    metainfo.Hash
	Name        string
	PieceLength int64
	TotalLength int64
	PieceHashes [][sha1.Size]byte
	Files       []File
	SavePath    string
	InfoBytes   []byte
}

// NewDescriptor decodes a bencoded info dictionary. The info-hash is the
// SHA-1 of infoBytes, so callers holding an expected hash must compare it.
func NewDescriptor(infoBytes []byte, savePath string) (*Descriptor, error) {
	var info metainfo.Info
	if err := bencode.Unmarshal(infoBytes, &info); err != nil {
		return nil, fmt.Errorf("%w: failed to decode info dict: %v", ErrInvalidMetadata, err)
	}

	return FromInfo(metainfo.HashBytes(infoBytes), info, infoBytes, savePath)
}

// NewDescriptorFor decodes infoBytes and checks them against the expected
// info-hash, as required for metadata received from untrusted peers or
// resume files.
func NewDescriptorFor(infoHash metainfo.Hash, infoBytes []byte, savePath string) (*Descriptor, error) {
	if got := metainfo.HashBytes(infoBytes); got != infoHash {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrInfoHashMismatch, infoHash.HexString(), got.HexString())
	}
	return NewDescriptor(infoBytes, savePath)
}

func FromInfo(infoHash metainfo.Hash, info metainfo.Info, infoBytes []byte, savePath string) (*Descriptor, error) {
	if info.PieceLength <= 0 {
		return nil, fmt.Errorf("%w: piece length must be positive, got %d", ErrInvalidMetadata, info.PieceLength)
	}
	if len(info.Pieces)%sha1.Size != 0 {
		return nil, fmt.Errorf("%w: pieces field length %d is not a multiple of %d", ErrInvalidMetadata, len(info.Pieces), sha1.Size)
	}

	files, total, err := layoutFiles(info)
	if err != nil {
		return nil, err
	}
	if total <= 0 {
		return nil, fmt.Errorf("%w: torrent has no content", ErrInvalidMetadata)
	}

	numPieces := len(info.Pieces) / sha1.Size
	expected := int((total + info.PieceLength - 1) / info.PieceLength)
	if numPieces != expected {
		return nil, fmt.Errorf("%w: expected %d piece hashes for %d bytes, got %d", ErrInvalidMetadata, expected, total, numPieces)
	}

	hashes := make([][sha1.Size]byte, numPieces)
	for i := range hashes {
		copy(hashes[i][:], info.Pieces[i*sha1.Size:])
	}

	return &Descriptor{
		InfoHash:    infoHash,
		Name:        info.Name,
		PieceLength: info.PieceLength,
		TotalLength: total,
		PieceHashes: hashes,
		Files:       files,
		SavePath:    savePath,
		InfoBytes:   infoBytes,
	}, nil
}

func layoutFiles(info metainfo.Info) ([]File, int64, error) {
	if len(info.Files) == 0 {
		path, err := SafeFilePath(info.Name)
		if err != nil {
			return nil, 0, err
		}
		return []File{{Path: path, Length: info.Length}}, info.Length, nil
	}

	files := make([]File, 0, len(info.Files))
	var offset int64
	for _, fi := range info.Files {
		path, err := SafeFilePath(append([]string{info.Name}, fi.Path...)...)
		if err != nil {
			return nil, 0, err
		}
		files = append(files, File{
			Path:   path,
			Length: fi.Length,
			Offset: offset,
		})
		offset += fi.Length
	}
	return files, offset, nil
}

// SafeFilePath joins info dict path components into a path relative to the
// save directory. Components that climb out of it, absolute results and
// empty names are rejected with ErrInvalidMetadata.
func SafeFilePath(components ...string) (string, error) {
	path, err := storage.ToSafeFilePath(components...)
	if err != nil {
		return "", fmt.Errorf("%w: unsafe file path %q: %v", ErrInvalidMetadata, components, err)
	}
	if filepath.IsAbs(path) || path == "." || path == "" {
		return "", fmt.Errorf("%w: unsafe file path %q", ErrInvalidMetadata, components)
	}
	return path, nil
}

func (d *Descriptor) NumPieces() int {
	return len(d.PieceHashes)
}

func (d *Descriptor) ValidPiece(index int) bool {
	return index >= 0 && index < len(d.PieceHashes)
}

// PieceSize returns the byte length of piece index; only the last piece may
// be shorter than PieceLength.
func (d *Descriptor) PieceSize(index int) int64 {
	if !d.ValidPiece(index) {
		return 0
	}
	if index == len(d.PieceHashes)-1 {
		if rem := d.TotalLength % d.PieceLength; rem != 0 {
			return rem
		}
	}
	return d.PieceLength
}

func (d *Descriptor) NumBlocks(index int) int {
	size := d.PieceSize(index)
	return int((size + BlockSize - 1) / BlockSize)
}

// BlockLength returns the length of block b of piece index, or 0 when the
// block does not exist.
func (d *Descriptor) BlockLength(index, block int) int {
	size := d.PieceSize(index)
	begin := int64(block) * BlockSize
	if block < 0 || begin >= size {
		return 0
	}
	if size-begin < BlockSize {
		return int(size - begin)
	}
	return BlockSize
}

// BlockIndex maps a byte offset inside a piece to its block number. ok is
// false for offsets not aligned to BlockSize or past the piece end.
func (d *Descriptor) BlockIndex(index int, offset int) (block int, ok bool) {
	if offset < 0 || offset%BlockSize != 0 || int64(offset) >= d.PieceSize(index) {
		return 0, false
	}
	return offset / BlockSize, true
}
