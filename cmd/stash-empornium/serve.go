package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/bdbenim/stash-empornium/internal/config"
	"github.com/bdbenim/stash-empornium/internal/httpapi"
	"github.com/bdbenim/stash-empornium/internal/jobs"
	"github.com/bdbenim/stash-empornium/internal/service"
	"github.com/bdbenim/stash-empornium/pkg/file"
	"github.com/bdbenim/stash-empornium/pkg/log"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(ctx *commandContext) *cobra.Command {
	var (
		port  int
		anon  bool
		flags config.CacheFlags
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx.opts = append(ctx.opts, config.WithPort(port), config.WithCacheFlags(flags))
			if cmd.Flags().Changed("anon") {
				ctx.opts = append(ctx.opts, config.WithAnon(anon))
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides the config file)")
	cmd.Flags().BoolVar(&anon, "anon", false, "Mark uploads anonymous")
	cmd.Flags().BoolVar(&flags.NoCache, "no-cache", false, "Do not read or write the image cache")
	cmd.Flags().BoolVar(&flags.Overwrite, "overwrite", false, "Ignore cached uploads but record new ones")
	cmd.Flags().BoolVar(&flags.Flush, "flush", false, "Clear the image cache before starting")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if err := file.EnsureDir(cfg.Backend.DataDir); err != nil {
		return err
	}
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another stash-empornium instance is already running")
	}
	defer func() { _ = lock.Unlock() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Loaded %s", cfg)
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Cache.Flush {
		if err := a.images.Flush(ctx); err != nil {
			log.Warn("Failed to flush image cache: %v", err)
		}
	}
	for _, c := range a.clients {
		if !c.Connected(ctx) {
			log.Warn("Torrent client %s is not reachable", c.Name())
		}
	}

	c := cron.New()
	if err := service.NewCacheReset(a.images, cfg.Backend.CacheResetSchedule, c).Schedule(); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	manager := jobs.NewManager(cfg.Backend.JobWorkers, a.store)
	manager.Start(a.generator().Execute)
	defer manager.Stop()

	srv := httpapi.NewServer(manager,
		httpapi.WithTags(a.tags),
		httpapi.WithClients(a.clients),
		httpapi.WithTemplates(a.render.Names()),
	)
	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening on %s", cfg.Addr())
		errCh <- srv.ListenAndServe(cfg.Addr())
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
