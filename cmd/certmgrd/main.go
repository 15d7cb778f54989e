package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edvin/certmgr/internal/acmeclient"
	"github.com/edvin/certmgr/internal/api"
	"github.com/edvin/certmgr/internal/config"
	"github.com/edvin/certmgr/internal/deploy"
	"github.com/edvin/certmgr/internal/engine"
	"github.com/edvin/certmgr/internal/events"
	"github.com/edvin/certmgr/internal/logging"
	"github.com/edvin/certmgr/internal/model"
	"github.com/edvin/certmgr/internal/scheduler"
	"github.com/edvin/certmgr/internal/store"
	"github.com/edvin/certmgr/internal/vault"
	"github.com/edvin/certmgr/internal/watcher"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var storeOpts []store.Option
	if cfg.S3Endpoint != "" {
		mirror := store.NewS3Mirror(logger, cfg.S3Endpoint, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey)
		storeOpts = append(storeOpts, store.WithMirror(mirror))
	}
	st, err := store.Open(cfg.StoreRoot, logger, storeOpts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open certificate store")
	}
	if cfg.DiscoveryPath != "" {
		imported, err := st.Discover(cfg.DiscoveryPath)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.DiscoveryPath).Msg("certificate discovery failed")
		} else if imported > 0 {
			logger.Info().Int("imported", imported).Str("path", cfg.DiscoveryPath).Msg("discovered certificates")
		}
	}

	v, err := vault.Open(cfg.StoreRoot, cfg.MasterSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open passphrase vault")
	}

	bus := events.NewBus()
	defer bus.Shutdown()

	// The deployment pipeline degrades gracefully without Docker: copy and
	// command actions still run, container actions report DockerUnavailable.
	var docker deploy.DockerClient
	if engineClient, err := deploy.NewEngineClient(cfg.DockerHost); err != nil {
		logger.Warn().Err(err).Msg("docker engine unavailable, container deploy actions disabled")
	} else {
		docker = engineClient
	}
	pipeline := deploy.NewPipeline(logger, docker)

	acmeOpts := []acmeclient.Option{}
	if cfg.ACMEWebroot != "" {
		acmeOpts = append(acmeOpts, acmeclient.WithWebroot(cfg.ACMEWebroot))
	}
	if cfg.DNSHookCommand != "" {
		acmeOpts = append(acmeOpts, acmeclient.WithDNSHook(cfg.DNSHookCommand))
	}
	issuer := acmeclient.New(logger, acmeOpts...)

	eng := engine.New(logger, st, v, issuer, pipeline, bus,
		engine.WithWorkers(cfg.RenewalWorkers),
		engine.WithACMEDirectory(cfg.ACMEDirectoryURL),
	)
	eng.Start(ctx)
	defer eng.Close()

	w, err := watcher.New(logger, st, eng)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create file watcher")
	}
	if err := w.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start file watcher")
	}
	defer w.Close()
	go resyncWatcher(ctx, bus, w)

	sched := scheduler.New(logger, st, eng, bus)
	if err := sched.Start(); err != nil {
		logger.Warn().Err(err).Msg("scheduler start failed, renewals run on demand only")
	}
	defer sched.Stop()

	srv := api.NewServer(api.Deps{
		Config:    cfg,
		Store:     st,
		Vault:     v,
		Engine:    eng,
		Scheduler: sched,
		Bus:       bus,
		Docker:    docker,
		Issuer:    issuer,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting certmgr API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	var httpsServer *http.Server
	if cfg.HTTPSPort > 0 && cfg.HTTPSCertPath != "" && cfg.HTTPSKeyPath != "" {
		httpsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.HTTPSPort),
			Handler:      srv.Router(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", httpsServer.Addr).Msg("starting certmgr TLS listener")
			if err := httpsServer.ListenAndServeTLS(cfg.HTTPSCertPath, cfg.HTTPSKeyPath); err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("TLS server failed")
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	if httpsServer != nil {
		httpsServer.Shutdown(shutdownCtx)
	}
}

// resyncWatcher keeps the file watcher's watch set aligned with the store as
// records come and go.
func resyncWatcher(ctx context.Context, bus *events.Bus, w *watcher.Watcher) {
	ch := bus.Subscribe(model.TopicCertificateRenewed, model.TopicCertificateUpdated, model.TopicCertificateDeleted)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			w.Resync()
		}
	}
}
