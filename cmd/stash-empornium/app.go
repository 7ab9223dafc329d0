package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/bdbenim/stash-empornium/internal/config"
	"github.com/bdbenim/stash-empornium/internal/imagecache"
	"github.com/bdbenim/stash-empornium/internal/imagehost"
	"github.com/bdbenim/stash-empornium/internal/media"
	"github.com/bdbenim/stash-empornium/internal/persistence"
	"github.com/bdbenim/stash-empornium/internal/render"
	"github.com/bdbenim/stash-empornium/internal/service"
	"github.com/bdbenim/stash-empornium/internal/stash"
	"github.com/bdbenim/stash-empornium/internal/tags"
	"github.com/bdbenim/stash-empornium/internal/torrent"
	"github.com/bdbenim/stash-empornium/pkg/file"
	"github.com/bdbenim/stash-empornium/pkg/log"
)

// app is everything the backend runs on.
type app struct {
	cfg     *config.Config
	store   *persistence.SQLiteStore
	rdb     *redis.Client
	media   media.Operator
	images  *imagecache.Cache
	tags    *tags.Engine
	render  *render.Renderer
	clients torrent.Set
}

func openStore(cfg *config.Config) (*persistence.SQLiteStore, error) {
	if err := file.EnsureDir(cfg.Backend.DataDir); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := persistence.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DBPath(), err)
	}
	return store, nil
}

func connectRedis(ctx context.Context, cfg *config.Config) *redis.Client {
	r := cfg.Redis
	return imagecache.Connect(ctx, imagecache.RedisOptions{
		Host:     r.Host,
		Port:     r.Port,
		Username: r.Username,
		Password: r.Password,
		SSL:      r.SSL,
		Disable:  r.Disable || cfg.Cache.NoCache,
	})
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: store, media: media.NewOperator(nil)}

	a.render, err = render.New(cfg.TemplateDir(), cfg.Templates)
	if err != nil {
		a.Close()
		return nil, err
	}
	if len(a.render.Names()) == 0 {
		log.Warn("No templates found in %s, run `stash-empornium config init`", cfg.TemplateDir())
	}

	a.rdb = connectRedis(ctx, cfg)
	timeout := cfg.StageTimeout()
	a.images = imagecache.New(a.rdb, []imagecache.Host{
		imagehost.NewJerking("", timeout),
		imagehost.NewImgbox("", timeout),
	}, imagecache.Options{
		NoCache:   cfg.Cache.NoCache,
		Overwrite: cfg.Cache.Overwrite,
		GIF:       a.media,
	})
	a.tags = tags.NewEngine(store)
	a.clients = torrentClients(cfg)
	return a, nil
}

func (a *app) generator() *service.Generator {
	cfg := a.cfg
	return service.NewGenerator(service.Deps{
		Config:   cfg,
		Stash:    stash.NewClient(cfg.Stash.URL, cfg.Stash.APIKey, cfg.StageTimeout()),
		Media:    a.media,
		Images:   a.images,
		Tags:     a.tags,
		Render:   a.render,
		Torrents: torrent.NewPackager(nil, cfg.Backend.TorrentDirectories),
		Clients:  a.clients,
	})
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func torrentClients(cfg *config.Config) torrent.Set {
	hashes := torrent.NewHashBook()
	var set torrent.Set
	if cfg.RTorrent.Enabled() {
		set = append(set, torrent.NewRTorrent(clientOptions(cfg.RTorrent), hashes))
	}
	if cfg.Deluge.Enabled() {
		set = append(set, torrent.NewDeluge(clientOptions(cfg.Deluge), hashes))
	}
	if cfg.QBittorrent.Enabled() {
		set = append(set, torrent.NewQBittorrent(clientOptions(cfg.QBittorrent), hashes))
	}
	return set
}

func clientOptions(c config.TorrentClientConfig) torrent.Options {
	return torrent.Options{
		Host:     c.Host,
		Port:     c.Port,
		SSL:      c.SSL,
		Path:     c.Path,
		Username: c.Username,
		Password: c.Password,
		Label:    c.Label,
		PathMaps: c.PathMaps,
	}
}
