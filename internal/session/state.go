package session

// State is the lifecycle of one torrent instance:
//
//	Pending -> DownloadingMetadata -> Downloading -> Finished | Errored
//	        -> ClosedPendingFlush -> Closed
//
// Metadata download is skipped when the info dictionary is known up front.
type State int

const (
	Pending State = iota
	DownloadingMetadata
	Downloading
	Finished
	Errored
	ClosedPendingFlush
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case DownloadingMetadata:
		return "downloading metadata"
	case Downloading:
		return "downloading"
	case Finished:
		return "finished"
	case Errored:
		return "error"
	case ClosedPendingFlush:
		return "flushing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// running reports whether the instance still transfers data and takes
// periodic resume snapshots.
func (s State) running() bool {
	return s == DownloadingMetadata || s == Downloading
}
