package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/spf13/afero"

	"torrentd/internal/torrent"
)

var ErrClosed = errors.New("file store is closed")

// Sink is where verified and partial piece data lives. Offsets are relative
// to the start of the piece.
type Sink interface {
	Write(piece int, offset int, data []byte) error
	ReadBack(piece int) ([]byte, error)
	Flush(piece int) error
	Close() error
}

// FileStore maps piece space onto the torrent's files below the save path.
// Open handles are kept in an LRU cache and closed on eviction.
type FileStore struct {
	fs      afero.Fs
	desc    *torrent.Descriptor
	handles *lru.Cache
	mu      sync.Mutex
	closed  bool
}

func NewFileStore(fs afero.Fs, desc *torrent.Descriptor, cacheSize int) (*FileStore, error) {
	if cacheSize <= 0 {
		cacheSize = 16
	}

	handles, err := lru.NewWithEvict(cacheSize, func(_ interface{}, value interface{}) {
		value.(afero.File).Close()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}

	for _, f := range desc.Files {
		if _, err := torrent.SafeFilePath(f.Path); err != nil {
			return nil, err
		}
	}

	if err := fs.MkdirAll(desc.SavePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create save directory: %w", err)
	}

	return &FileStore{
		fs:      fs,
		desc:    desc,
		handles: handles,
	}, nil
}

// span is the part of one file covered by a byte range in piece space.
type span struct {
	file       torrent.File
	fileOffset int64
	length     int64
}

func (s *FileStore) spans(start, length int64) []span {
	var out []span
	end := start + length
	for _, f := range s.desc.Files {
		fEnd := f.Offset + f.Length
		if fEnd <= start || f.Offset >= end || f.Length == 0 {
			continue
		}
		from := max64(start, f.Offset)
		to := min64(end, fEnd)
		out = append(out, span{file: f, fileOffset: from - f.Offset, length: to - from})
	}
	return out
}

func (s *FileStore) open(f torrent.File) (afero.File, error) {
	if h, ok := s.handles.Get(f.Path); ok {
		return h.(afero.File), nil
	}

	path := filepath.Join(s.desc.SavePath, f.Path)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	file, err := s.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	s.handles.Add(f.Path, file)
	return file, nil
}

func (s *FileStore) Write(piece int, offset int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.desc.ValidPiece(piece) || int64(offset)+int64(len(data)) > s.desc.PieceSize(piece) {
		return fmt.Errorf("%w: write of %d bytes at %d in piece %d", torrent.ErrInvalidPiece, len(data), offset, piece)
	}

	start := int64(piece)*s.desc.PieceLength + int64(offset)
	written := int64(0)
	for _, sp := range s.spans(start, int64(len(data))) {
		file, err := s.open(sp.file)
		if err != nil {
			return err
		}
		if _, err := file.WriteAt(data[written:written+sp.length], sp.fileOffset); err != nil {
			return fmt.Errorf("failed to write %s: %w", sp.file.Path, err)
		}
		written += sp.length
	}

	return nil
}

func (s *FileStore) ReadBack(piece int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if !s.desc.ValidPiece(piece) {
		return nil, fmt.Errorf("%w: %d", torrent.ErrInvalidPiece, piece)
	}

	buf := make([]byte, s.desc.PieceSize(piece))
	start := int64(piece) * s.desc.PieceLength
	read := int64(0)
	for _, sp := range s.spans(start, int64(len(buf))) {
		file, err := s.open(sp.file)
		if err != nil {
			return nil, err
		}
		n, err := file.ReadAt(buf[read:read+sp.length], sp.fileOffset)
		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == sp.length) {
			return nil, fmt.Errorf("failed to read %s: %w", sp.file.Path, err)
		}
		read += sp.length
	}

	return buf, nil
}

// Flush syncs every file touched by piece.
func (s *FileStore) Flush(piece int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	start := int64(piece) * s.desc.PieceLength
	for _, sp := range s.spans(start, s.desc.PieceSize(piece)) {
		file, err := s.open(sp.file)
		if err != nil {
			return err
		}
		if err := file.Sync(); err != nil {
			return fmt.Errorf("failed to sync %s: %w", sp.file.Path, err)
		}
	}
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.handles.Purge()
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
