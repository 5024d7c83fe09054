package torrent

// BlockSize is the request granularity; the last block of a piece may be
// shorter.
const BlockSize = 16 * 1024

// File is one entry of the torrent's file list, laid out back to back in
// piece space starting at Offset.
type File struct {
	Path   string
	Length int64
	Offset int64
}
