package session

import (
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/rs/zerolog"

	"torrentd/internal/alert"
	"torrentd/internal/peer"
	"torrentd/internal/piecestore"
	"torrentd/internal/storage"
	"torrentd/internal/torrent"
)

// instance is one torrent inside the session. Only the session loop
// touches it.
type instance struct {
	hash     metainfo.Hash
	name     string
	savePath string
	state    State
	// outcome is Finished or Errored once the instance stopped on its own.
	outcome State
	resumed bool

	desc  *torrent.Descriptor
	sink  storage.Sink
	store *piecestore.Store
	mgr   *peer.Manager

	lastSave      time.Time
	savePending   bool
	saveRequested bool
	finalQueued   bool

	err error
	log zerolog.Logger
}

func (i *instance) InfoHash() metainfo.Hash {
	return i.hash
}

func (i *instance) Name() string {
	return i.name
}

func (i *instance) SavePath() string {
	return i.savePath
}

func (i *instance) Descriptor() *torrent.Descriptor {
	return i.desc
}

func (i *instance) Bitfield() []bool {
	if i.store == nil {
		return nil
	}
	return i.store.Bitfield()
}

func (i *instance) Partial() map[int][]int {
	if i.store == nil {
		return nil
	}
	return i.store.Partial()
}

func (i *instance) Hints() []string {
	return i.mgr.Hints()
}

func (i *instance) displayState() State {
	if i.state == ClosedPendingFlush && i.outcome != Pending {
		return i.outcome
	}
	return i.state
}

func (i *instance) status() alert.Status {
	st := alert.Status{
		InfoHash: i.hash,
		Name:     i.name,
		State:    i.displayState().String(),
	}
	if i.store != nil {
		p := i.store.Progress()
		st.PiecesDone = p.PiecesDone
		st.NumPieces = p.NumPieces
		st.BytesDone = p.BytesDone
		st.TotalBytes = p.TotalBytes
	}
	stats := i.mgr.Stats()
	st.NumPeers = stats.Peers
	st.DownloadRate = stats.DownloadRate
	return st
}
