package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/stratumhq/stratum/internal/cache"
	"github.com/stratumhq/stratum/internal/config"
	"github.com/stratumhq/stratum/internal/content"
	"github.com/stratumhq/stratum/internal/database"
	"github.com/stratumhq/stratum/internal/repository"
	"github.com/stratumhq/stratum/internal/schema"
	"github.com/stratumhq/stratum/internal/sessions"
	"github.com/stratumhq/stratum/pkg/logger"
	"github.com/stratumhq/stratum/pkg/metrics"
)

const (
	sessionCollection = "sessions"
	userCollection    = "users"
	contentCollection = "content_nodes"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		os.Exit(1)
	}
	log, err := logger.New(cfg.Server.LogLevel)
	if err != nil {
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := database.ConnectMongo(ctx, cfg.MongoDB.URI, cfg.MongoDB.Timeout)
	if err != nil {
		log.Errorf("storage connect: %v", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(shutdownCtx)
	}()
	db := client.Database(cfg.MongoDB.Database)

	if err := database.EnsureIndexes(ctx, db, sessionCollection, contentCollection); err != nil {
		log.Errorf("ensure indexes: %v", err)
		os.Exit(1)
	}

	var provider cache.Provider
	switch cfg.Cache.Provider {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		provider = cache.NewRedisProvider(rdb)
	default:
		provider, err = cache.NewMemoryProvider(cache.MemoryConfig{MaxCost: cfg.Cache.MaxCost})
		if err != nil {
			log.Errorf("cache init: %v", err)
			os.Exit(1)
		}
	}
	cacheSvc := cache.New(cache.Options{
		Provider:   provider,
		Prefix:     cfg.Cache.Prefix,
		DefaultTTL: cfg.Cache.DefaultTTL,
		Logger:     log,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cacheSvc.Close(shutdownCtx)
	}()
	cacheSvc.RegisterCategory(content.CacheCategory, "content:*", "structure:*")
	cacheSvc.RegisterCategory("schema", "schema:*")

	registry := schema.NewRegistry(func(name string) (repository.Repository, error) {
		return repository.NewMongo(ctx, client, db, name, log)
	}, cacheSvc)
	for _, desc := range []*schema.CollectionDescriptor{
		{Name: userCollection, Category: "users"},
		{Name: sessionCollection, Category: "sessions"},
		{Name: contentCollection, Category: content.CacheCategory},
	} {
		if err := registry.Register(desc); err != nil {
			log.Errorf("register collection %s: %v", desc.Name, err)
			os.Exit(1)
		}
	}

	sessionRepo, err := registry.Resolve(sessionCollection)
	if err != nil {
		log.Errorf("resolve sessions: %v", err)
		os.Exit(1)
	}
	userRepo, err := registry.Resolve(userCollection)
	if err != nil {
		log.Errorf("resolve users: %v", err)
		os.Exit(1)
	}
	if _, err := registry.Resolve(contentCollection); err != nil {
		log.Errorf("resolve content: %v", err)
		os.Exit(1)
	}

	sessionMgr := sessions.NewManager(sessions.Options{
		Sessions:    sessionRepo,
		Users:       userRepo,
		Logger:      log,
		GraceWindow: cfg.Session.GraceWindow,
		Secret:      cfg.Session.Secret,
	})

	// eager session cleanup alongside the TTL index
	go func() {
		ticker := time.NewTicker(cfg.Session.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := sessionMgr.CleanupRotatedSessions(ctx); err != nil {
					log.Warnf("rotated session cleanup: %v", err)
				} else if n > 0 {
					log.Debugf("cleaned %d rotated sessions", n)
				}
				if n, err := sessionMgr.DeleteExpiredSessions(ctx); err != nil {
					log.Warnf("expired session cleanup: %v", err)
				} else if n > 0 {
					log.Debugf("cleaned %d expired sessions", n)
				}
			}
		}
	}()

	supervisor := &database.Supervisor{
		Client: client,
		Log:    log,
		Notify: func(err error) {
			log.Errorf("storage unreachable after bounded retries, operator attention required: %v", err)
		},
	}
	go supervisor.Run(ctx)

	reg := prometheus.NewRegistry()
	metrics.RegisterCollectors(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: ":" + cfg.Server.MetricsPort, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics listener: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("stratum data layer up: db=%s cache=%s metrics=:%s",
		cfg.MongoDB.Database, cfg.Cache.Provider, cfg.Server.MetricsPort)
	<-ctx.Done()
	log.Infof("shutting down")
}
