package torrent

import (
	"fmt"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/spf13/afero"
)

// Source is what a caller hands to the session to start a torrent. Magnet
// sources carry no InfoBytes; the metadata is fetched from peers later.
type Source struct {
	InfoHash  metainfo.Hash
	Name      string
	Trackers  []string
	Peers     []string
	InfoBytes []byte
}

func (s Source) HasMetadata() bool {
	return len(s.InfoBytes) > 0
}

// ParseSource accepts either a magnet URI or a path to a .torrent file on fs.
func ParseSource(fs afero.Fs, src string) (Source, error) {
	if strings.HasPrefix(src, "magnet:") {
		return ParseMagnet(src)
	}

	exists, err := afero.Exists(fs, src)
	if err != nil {
		return Source{}, fmt.Errorf("failed to stat torrent file '%s': %w", src, err)
	}
	if !exists {
		return Source{}, fmt.Errorf("%w: '%s'", ErrUnsupportedSource, src)
	}
	return LoadTorrentFile(fs, src)
}

func ParseMagnet(uri string) (Source, error) {
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return Source{}, fmt.Errorf("failed to parse magnet URI: %w", err)
	}

	return Source{
		InfoHash: m.InfoHash,
		Name:     m.DisplayName,
		Trackers: m.Trackers,
		Peers:    m.Params["x.pe"],
	}, nil
}

func LoadTorrentFile(fs afero.Fs, path string) (Source, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Source{}, fmt.Errorf("failed to open torrent file '%s': %w", path, err)
	}
	defer f.Close()

	mi, err := metainfo.Load(f)
	if err != nil {
		return Source{}, fmt.Errorf("%w: failed to parse '%s': %v", ErrInvalidMetadata, path, err)
	}

	info, err := mi.UnmarshalInfo()
	if err != nil {
		return Source{}, fmt.Errorf("%w: failed to decode info dict of '%s': %v", ErrInvalidMetadata, path, err)
	}

	trackers := make([]string, 0, 1+len(mi.AnnounceList))
	if mi.Announce != "" {
		trackers = append(trackers, mi.Announce)
	}
	for _, tier := range mi.AnnounceList {
		trackers = append(trackers, tier...)
	}

	return Source{
		InfoHash:  mi.HashInfoBytes(),
		Name:      info.Name,
		Trackers:  trackers,
		InfoBytes: []byte(mi.InfoBytes),
	}, nil
}
