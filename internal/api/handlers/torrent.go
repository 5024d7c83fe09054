package handlers

import (
	"net/http"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/samber/lo"

	"torrentd/internal/alert"
)

// Session is the part of the session core the status API needs.
type Session interface {
	Statuses() []alert.Status
	RequestResumeSave(hash metainfo.Hash)
}

type errorResponse struct {
	Error string `json:"error"`
}

func renderError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

func ListTorrents(sess Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, sess.Statuses())
	}
}

func GetTorrent(sess Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := lookup(w, r, sess)
		if !ok {
			return
		}
		render.JSON(w, r, st)
	}
}

// SaveResume asks the session for a resume save. The result arrives
// asynchronously as an alert.
func SaveResume(sess Session) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, ok := lookup(w, r, sess)
		if !ok {
			return
		}
		sess.RequestResumeSave(st.InfoHash)
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, st)
	}
}

func lookup(w http.ResponseWriter, r *http.Request, sess Session) (alert.Status, bool) {
	var hash metainfo.Hash
	if err := hash.FromHexString(chi.URLParam(r, "infoHash")); err != nil {
		renderError(w, r, http.StatusBadRequest, "invalid info-hash")
		return alert.Status{}, false
	}

	st, ok := lo.Find(sess.Statuses(), func(s alert.Status) bool { return s.InfoHash == hash })
	if !ok {
		renderError(w, r, http.StatusNotFound, "torrent not found")
		return alert.Status{}, false
	}
	return st, true
}
