// Package alert carries typed status and error events from the session core
// to whoever hosts it. Alert is a closed set: consumers switch over the
// concrete types below.
package alert

import (
	"fmt"

	"github.com/anacrolix/torrent/metainfo"
)

type Kind int

const (
	KindTorrentAdded Kind = iota
	KindStateUpdate
	KindTorrentFinished
	KindTorrentError
	KindResumeDataReady
	KindResumeDataFailed
)

func (k Kind) String() string {
	switch k {
	case KindTorrentAdded:
		return "torrent_added"
	case KindStateUpdate:
		return "state_update"
	case KindTorrentFinished:
		return "torrent_finished"
	case KindTorrentError:
		return "torrent_error"
	case KindResumeDataReady:
		return "resume_data_ready"
	case KindResumeDataFailed:
		return "resume_data_failed"
	default:
		return "unknown"
	}
}

type Alert interface {
	Kind() Kind
	Torrent() metainfo.Hash
	Message() string

	alert()
}

// Status is a point-in-time view of one torrent.
type Status struct {
	InfoHash     metainfo.Hash `json:"infoHash"`
	Name         string        `json:"name"`
	State        string        `json:"state"`
	PiecesDone   int           `json:"piecesDone"`
	NumPieces    int           `json:"numPieces"`
	BytesDone    int64         `json:"bytesDone"`
	TotalBytes   int64         `json:"totalBytes"`
	NumPeers     int           `json:"numPeers"`
	DownloadRate int64         `json:"downloadRate"`
}

// ProgressPPM returns progress in parts per million.
func (s Status) ProgressPPM() int64 {
	if s.TotalBytes <= 0 {
		return 0
	}
	return s.BytesDone * 1000000 / s.TotalBytes
}

type TorrentAdded struct {
	InfoHash metainfo.Hash
	Name     string
	Resumed  bool
}

type StateUpdate struct {
	Status Status
}

type TorrentFinished struct {
	InfoHash metainfo.Hash
}

type TorrentError struct {
	InfoHash metainfo.Hash
	Err      error
}

type ResumeDataReady struct {
	InfoHash metainfo.Hash
	Blob     []byte
	Final    bool
}

type ResumeDataFailed struct {
	InfoHash metainfo.Hash
	Err      error
	Final    bool
}

func (TorrentAdded) alert()     {}
func (StateUpdate) alert()      {}
func (TorrentFinished) alert()  {}
func (TorrentError) alert()     {}
func (ResumeDataReady) alert()  {}
func (ResumeDataFailed) alert() {}

func (TorrentAdded) Kind() Kind     { return KindTorrentAdded }
func (StateUpdate) Kind() Kind      { return KindStateUpdate }
func (TorrentFinished) Kind() Kind  { return KindTorrentFinished }
func (TorrentError) Kind() Kind     { return KindTorrentError }
func (ResumeDataReady) Kind() Kind  { return KindResumeDataReady }
func (ResumeDataFailed) Kind() Kind { return KindResumeDataFailed }

func (a TorrentAdded) Torrent() metainfo.Hash     { return a.InfoHash }
func (a StateUpdate) Torrent() metainfo.Hash      { return a.Status.InfoHash }
func (a TorrentFinished) Torrent() metainfo.Hash  { return a.InfoHash }
func (a TorrentError) Torrent() metainfo.Hash     { return a.InfoHash }
func (a ResumeDataReady) Torrent() metainfo.Hash  { return a.InfoHash }
func (a ResumeDataFailed) Torrent() metainfo.Hash { return a.InfoHash }

func (a TorrentAdded) Message() string {
	if a.Resumed {
		return fmt.Sprintf("%s added (resumed)", name(a.Name, a.InfoHash))
	}
	return fmt.Sprintf("%s added", name(a.Name, a.InfoHash))
}

func (a StateUpdate) Message() string {
	s := a.Status
	return fmt.Sprintf("%s %d kB/s %d kB (%d%%) downloaded (%d peers)",
		s.State, s.DownloadRate/1000, s.BytesDone/1000, s.ProgressPPM()/10000, s.NumPeers)
}

func (a TorrentFinished) Message() string {
	return fmt.Sprintf("%s finished downloading", a.InfoHash.HexString())
}

func (a TorrentError) Message() string {
	return fmt.Sprintf("%s error: %v", a.InfoHash.HexString(), a.Err)
}

func (a ResumeDataReady) Message() string {
	return fmt.Sprintf("%s resume data saved (%d bytes)", a.InfoHash.HexString(), len(a.Blob))
}

func (a ResumeDataFailed) Message() string {
	return fmt.Sprintf("%s failed to save resume data: %v", a.InfoHash.HexString(), a.Err)
}

func name(n string, h metainfo.Hash) string {
	if n != "" {
		return n
	}
	return h.HexString()
}
