package app

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mvdberg/couchsync/internal/api"
	"github.com/mvdberg/couchsync/internal/config"
	"github.com/mvdberg/couchsync/internal/control"
	"github.com/mvdberg/couchsync/internal/player"
	"github.com/mvdberg/couchsync/internal/session"
	"github.com/mvdberg/couchsync/internal/storage"
	"github.com/mvdberg/couchsync/internal/timesync"
	"github.com/mvdberg/couchsync/internal/util"
)

var log = logging.Logger("app")

type Options struct {
	// ClientDir is the directory holding the config file and local data.
	ClientDir string
	CfgPath   string
	Cfg       config.Config
}

// Run wires the whole client together and blocks until ctx is cancelled:
// request client, clock synchronizer, session manager, simulated player,
// join-history store, control API and config watcher.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	client := api.NewClient(cfg.Server.URL, cfg.Server.Token, cfg.Server.DeviceID)

	clock := timesync.New(client.TimePing)
	clock.Start()
	defer clock.Stop()

	// ── Join history (optional)
	var db *storage.DB
	if cfg.Storage.DBPath != "" {
		path := util.ResolvePath(opt.ClientDir, cfg.Storage.DBPath)
		var err error
		db, err = storage.Open(path)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer db.Close()

		if err := db.RememberServer(cfg.Server.URL, cfg.Server.DeviceID); err != nil {
			log.Warnw("remember server failed", "err", err)
		}
		log.Infow("join history enabled", "path", db.Path())
	}

	// ── Session
	sess := session.New(client, client.SocketURL(), clock, session.Options{
		SeekThreshold:   cfg.Sync.SeekThreshold(),
		MaxCommandDelay: cfg.Sync.MaxCommandDelay(),
		ReadyTolerance:  cfg.Sync.ReadyTolerance(),
		ReadyTimeout:    cfg.Sync.ReadyTimeout(),
		OnJoined: func(groupID string) {
			if db == nil {
				return
			}
			if err := db.RecordJoin(cfg.Server.URL, groupID, ""); err != nil {
				log.Warnw("record join failed", "err", err)
			}
		},
		OnLeft: func(groupID string) {
			if db == nil {
				return
			}
			if err := db.RecordLeave(cfg.Server.URL, groupID); err != nil {
				log.Warnw("record leave failed", "err", err)
			}
		},
	})

	sim := player.NewSimulated()
	sess.RegisterPlayer(sim)
	defer sess.UnregisterPlayer()

	// ── Control API (optional)
	if cfg.Control.HTTPAddr != "" {
		ctl := control.New(cfg.Control.HTTPAddr, sess, db, cfg.Server.URL)
		ctl.Start()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := ctl.Shutdown(shutCtx); err != nil {
				log.Warnw("control api shutdown failed", "err", err)
			}
		}()
	}

	// ── Config watcher: live-reload the sync tunables
	stopWatch, err := config.Watch(opt.CfgPath, func(c config.Config) {
		sess.ApplyTunables(
			c.Sync.SeekThreshold(),
			c.Sync.MaxCommandDelay(),
			c.Sync.ReadyTolerance(),
			c.Sync.ReadyTimeout(),
		)
	})
	if err != nil {
		log.Warnw("config watcher unavailable", "err", err)
	} else {
		defer stopWatch()
	}

	log.Infow("client ready",
		"server", cfg.Server.URL,
		"device", cfg.Server.DeviceID,
		"control", cfg.Control.HTTPAddr)

	<-ctx.Done()

	// Leave cleanly so the group does not wait on a ghost member.
	if sess.Status().Enabled {
		leaveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sess.LeaveGroup(leaveCtx); err != nil {
			log.Warnw("leave on shutdown failed", "err", err)
		}
	}

	log.Infow("client stopped")
	return nil
}
