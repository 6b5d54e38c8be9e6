package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"bayou/internal/config"
	"bayou/internal/infra/cachemem"
	httpinfra "bayou/internal/infra/http"
	"bayou/internal/infra/httpsig"
	"bayou/internal/infra/versia"
	"bayou/internal/usecase"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the federation HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	if _, err := a.instanceSigner(ctx); err != nil {
		return err
	}

	enricher := usecase.NewBackgroundEnricher(a.actors, a.client, a.resolver.Validator, cfg.EnrichQueueSize, logrus.StandardLogger())
	workCtx, cancel := context.WithCancel(ctx)
	enricher.Start(workCtx, cfg.EnrichWorkers)
	defer enricher.Wait()
	defer cancel()
	a.resolver.Enricher = enricher

	cache := cachemem.NewWithTTL(cfg.KeyCacheTTL(), cfg.KeyCacheMaxEntries)
	srv, err := httpinfra.NewServer(cfg, httpinfra.ServerDeps{
		Resolver:      a.resolver,
		InstanceActor: a.instance,
		LocalActors:   a.locals,
		Inbox: &usecase.InboxService{
			Actors:      a.actors,
			Followers:   a.followers,
			Resolver:    a.resolver,
			LocalActors: a.locals,
			Delivery:    a.delivery,
		},
		Legacy:      &httpsig.Verifier{Keys: a.resolver, Cache: cache, Window: cfg.SignatureWindow()},
		Versia:      &versia.Verifier{Keys: a.resolver, Cache: cache, Window: cfg.SignatureWindow()},
		Log:         logrus.StandardLogger(),
		StorageMode: a.mode,
	})
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"domain":     cfg.InstanceDomain,
		"algorithm":  a.algorithm.String(),
		"storage":    a.mode,
		"auth_fetch": cfg.ForceAuthFetch,
	}).Info("starting bayou")
	return srv.Serve(ctx)
}
