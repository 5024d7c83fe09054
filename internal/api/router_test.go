package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"torrentd/internal/alert"
)

type fakeSession struct {
	mu       sync.Mutex
	statuses []alert.Status
	saves    []metainfo.Hash
}

func (f *fakeSession) Statuses() []alert.Status {
	return f.statuses
}

func (f *fakeSession) RequestResumeSave(hash metainfo.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, hash)
}

var testHash = metainfo.NewHashFromHex("aabbccddeeff00112233445566778899aabbccdd")

func newTestRouter() (*fakeSession, http.Handler) {
	sess := &fakeSession{statuses: []alert.Status{{
		InfoHash:   testHash,
		Name:       "ubuntu.iso",
		State:      "downloading",
		PiecesDone: 2,
		NumPieces:  8,
		BytesDone:  2048,
		TotalBytes: 8192,
		NumPeers:   3,
	}}}
	return sess, NewRouter(zerolog.Nop(), sess)
}

func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestListTorrents(t *testing.T) {
	_, h := newTestRouter()

	rec := serve(t, h, http.MethodGet, "/torrents")
	require.Equal(t, http.StatusOK, rec.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "ubuntu.iso", got[0]["name"])
	assert.Equal(t, "downloading", got[0]["state"])
	assert.EqualValues(t, 3, got[0]["numPeers"])
}

func TestGetTorrent(t *testing.T) {
	_, h := newTestRouter()

	rec := serve(t, h, http.MethodGet, "/torrents/"+testHash.HexString())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"piecesDone":2`)

	rec = serve(t, h, http.MethodGet, "/torrents/"+strings.Repeat("0", 40))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, h, http.MethodGet, "/torrents/nothex")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveResume(t *testing.T) {
	sess, h := newTestRouter()

	rec := serve(t, h, http.MethodPost, "/torrents/"+testHash.HexString()+"/save")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []metainfo.Hash{testHash}, sess.saves)

	rec = serve(t, h, http.MethodPost, "/torrents/"+strings.Repeat("1", 40)+"/save")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Len(t, sess.saves, 1)
}

func TestMetricsEndpoint(t *testing.T) {
	_, h := newTestRouter()

	serve(t, h, http.MethodGet, "/torrents")
	rec := serve(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "torrentd_http_requests_total")
}

func TestRecovererReturns500(t *testing.T) {
	r := NewRouter(zerolog.Nop(), &fakeSession{})
	r.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rec := serve(t, r, http.MethodGet, "/panic")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"requestID"`)
}
