// Package client hosts a session: it ticks the event loop, drains alerts
// and reports progress until every torrent has been flushed and closed.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/gosuri/uiprogress"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"torrentd/internal/alert"
	"torrentd/internal/api"
	"torrentd/internal/config"
	"torrentd/internal/peer"
	"torrentd/internal/resume"
	"torrentd/internal/session"
	"torrentd/internal/torrent"
	"torrentd/internal/transport"
)

const (
	apiShutdownTimeout = 5 * time.Second
	barScale           = 1000
)

type Options struct {
	// Transport overrides the TCP transport, mainly for tests.
	Transport peer.Transport
	Fs        afero.Fs
	Logger    zerolog.Logger
	// ProgressOut enables a progress bar per torrent written to it.
	// Without it every StateUpdate is logged.
	ProgressOut io.Writer
}

type Client struct {
	cfg   *config.Config
	sess  *session.Session
	tcp   *transport.TCP
	store *resume.Store
	log   zerolog.Logger

	progress *uiprogress.Progress
	barsMu   sync.Mutex
	bars     map[metainfo.Hash]*bar

	failed bool
}

type bar struct {
	*uiprogress.Bar

	mu     sync.Mutex
	status alert.Status
}

func (b *bar) get() alert.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func New(cfg *config.Config, opts Options) *Client {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}

	c := &Client{
		cfg:   cfg,
		store: resume.NewStore(opts.Fs, cfg.ResumeFile),
		log:   opts.Logger.With().Str("component", "client").Logger(),
		bars:  make(map[metainfo.Hash]*bar),
	}

	tr := opts.Transport
	if tr == nil {
		// The session does not exist yet when the transport is built;
		// events can only arrive after AddTorrent, which needs it.
		c.tcp = transport.NewTCP(transport.Config{
			DialTimeout:       cfg.DialTimeout,
			DownloadRateLimit: cfg.DownloadRateLimit,
		}, func(ev peer.Event) { c.sess.Deliver(ev) }, opts.Logger)
		tr = c.tcp
	}

	c.sess = session.New(cfg, session.Options{
		Transport:   tr,
		ResumeStore: c.store,
		Fs:          opts.Fs,
		Logger:      opts.Logger,
	})

	if opts.ProgressOut != nil {
		c.progress = uiprogress.New()
		c.progress.SetOut(opts.ProgressOut)
	}
	return c
}

func (c *Client) Session() *session.Session {
	return c.sess
}

// Add queues src with whatever resume data the resume file holds. Data for
// another torrent is discarded by the session.
func (c *Client) Add(src torrent.Source) (metainfo.Hash, error) {
	blob, err := c.store.Load()
	if err != nil {
		c.log.Warn().Err(err).Str("path", c.store.Path()).Msg("Failed to read resume file, starting fresh")
		blob = nil
	}
	return c.sess.AddTorrent(src, blob)
}

// Run drives the session until every torrent is closed. Cancelling ctx
// starts a graceful shutdown: each torrent writes its final resume data
// before Run returns. Run reports an error if any torrent failed.
func (c *Client) Run(ctx context.Context) error {
	apiCtx, stopAPI := context.WithCancel(context.Background())
	defer stopAPI()

	g, apiCtx := errgroup.WithContext(apiCtx)
	if c.cfg.StatusAddr != "" {
		srv := api.NewServer(c.cfg.StatusAddr, api.NewRouter(c.log, c.sess))
		c.log.Info().Str("addr", c.cfg.StatusAddr).Msg("Status API listening")
		g.Go(func() error {
			return api.RunServer(apiCtx, srv, apiShutdownTimeout)
		})
	}

	if c.progress != nil {
		c.progress.Start()
	}

	c.loop(ctx)

	if c.progress != nil {
		c.progress.Stop()
	}

	stopAPI()
	var errs []error
	if err := g.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("status API failed: %w", err))
	}
	if c.tcp != nil {
		if err := c.tcp.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("transport shutdown failed: %w", err))
		}
	}
	if c.failed {
		errs = append(errs, errors.New("one or more torrents failed"))
	}
	return errors.Join(errs...)
}

func (c *Client) loop(ctx context.Context) {
	poll := time.NewTicker(c.cfg.PollInterval)
	defer poll.Stop()
	status := time.NewTicker(c.cfg.StatusInterval)
	defer status.Stop()

	done := ctx.Done()
	for {
		select {
		case <-done:
			c.log.Info().Msg("Shutting down, saving resume data")
			c.sess.Shutdown()
			done = nil
		case <-status.C:
			c.sess.PostTorrentUpdates()
		case <-poll.C:
		case <-c.sess.Wake():
		case <-c.sess.Bus().Ready():
		}

		c.sess.Tick(time.Now())
		c.handleAlerts()

		if c.sess.Active() == 0 {
			break
		}
	}

	// Pick up alerts from resume writers that finished after the last tick.
	c.sess.Wait()
	c.sess.Tick(time.Now())
	c.handleAlerts()
}

func (c *Client) handleAlerts() {
	for _, a := range c.sess.Bus().Drain() {
		log := c.log.With().Str("infoHash", a.Torrent().HexString()).Logger()

		switch a := a.(type) {
		case alert.TorrentAdded:
			log.Info().Bool("resumed", a.Resumed).Msg(a.Message())
		case alert.StateUpdate:
			if !c.updateBar(a.Status) {
				log.Info().Msg(a.Message())
			}
		case alert.TorrentFinished:
			log.Info().Msg(a.Message())
		case alert.TorrentError:
			c.failed = true
			log.Error().Err(a.Err).Msg("Torrent failed")
		case alert.ResumeDataReady:
			log.Debug().Bool("final", a.Final).Msg(a.Message())
		case alert.ResumeDataFailed:
			log.Warn().Err(a.Err).Bool("final", a.Final).Msg("Failed to save resume data")
		default:
			panic(fmt.Sprintf("unhandled alert %T", a))
		}
	}
}

// updateBar reports whether a progress bar is showing st.
func (c *Client) updateBar(st alert.Status) bool {
	if c.progress == nil {
		return false
	}

	c.barsMu.Lock()
	b, ok := c.bars[st.InfoHash]
	if !ok {
		b = &bar{Bar: c.progress.AddBar(barScale)}
		b.PrependFunc(func(*uiprogress.Bar) string {
			return b.get().Name
		})
		b.AppendCompleted()
		b.AppendFunc(func(*uiprogress.Bar) string {
			return alert.StateUpdate{Status: b.get()}.Message()
		})
		c.bars[st.InfoHash] = b
	}
	c.barsMu.Unlock()

	b.mu.Lock()
	b.status = st
	b.mu.Unlock()

	// The bar renders from its own goroutine; never hold b.mu here.
	b.Set(int(st.ProgressPPM() * barScale / 1000000))
	return true
}
