package resume

import (
	"fmt"

	"github.com/spf13/afero"

	"torrentd/internal/storage"
)

// Store keeps one resume blob in a file. Saves replace the file atomically,
// so a crash leaves either the previous or the new blob.
type Store struct {
	fs   afero.Fs
	path string
}

func NewStore(fs afero.Fs, path string) *Store {
	return &Store{fs: fs, path: path}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Save(blob []byte) error {
	if err := storage.WriteFileAtomic(s.fs, s.path, blob); err != nil {
		return fmt.Errorf("%w: %v", ErrSave, err)
	}
	return nil
}

// Load returns nil when no resume file exists yet.
func (s *Store) Load() ([]byte, error) {
	return storage.ReadFileIfExists(s.fs, s.path)
}
