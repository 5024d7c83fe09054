package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PiecesVerified = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "torrentd_pieces_verified_total",
			Help: "Total number of pieces that passed hash verification",
		},
	)

	HashFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "torrentd_piece_hash_failures_total",
			Help: "Total number of pieces that failed hash verification",
		},
	)

	BytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "torrentd_payload_bytes_downloaded_total",
			Help: "Total number of block payload bytes accepted from peers",
		},
	)

	PeersDisconnected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torrentd_peers_disconnected_total",
			Help: "Total number of peer disconnects by reason",
		},
		[]string{"reason"},
	)

	ResumeSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torrentd_resume_saves_total",
			Help: "Total number of resume data saves by result",
		},
		[]string{"result"},
	)

	AlertsPosted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "torrentd_alerts_posted_total",
			Help: "Total number of alerts posted to the alert bus by kind",
		},
		[]string{"kind"},
	)

	ActiveTorrents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "torrentd_active_torrents",
			Help: "Number of torrent instances that are not closed",
		},
	)
)
