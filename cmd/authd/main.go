package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"pantrykit.org/internal/auth"
	"pantrykit.org/internal/config"
	"pantrykit.org/internal/housekeeping"
	"pantrykit.org/internal/httpapi"
	"pantrykit.org/internal/migrate"
	"pantrykit.org/internal/obs"
	"pantrykit.org/internal/store/memory"
	"pantrykit.org/internal/store/pg"
	"pantrykit.org/internal/store/redis"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

type backingStore interface {
	auth.Store
	auth.TokenPurger
	Ping(ctx context.Context) error
}

func main() {
	log := obs.Component("authd")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		log.WithError(err).Fatal("log level")
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer closeStore()

	deps := map[string]httpapi.Pinger{"store": store}
	opts := []auth.ServiceOption{
		auth.WithIssuer(cfg.TokenIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithVerificationTTL(cfg.VerificationTTL),
		auth.WithClockSkew(cfg.ClockSkew),
		auth.WithReuseDetection(cfg.ReuseDetection),
		auth.WithVerificationGrace(cfg.VerificationGrace),
		auth.WithLockout(cfg.LockoutThreshold, cfg.LockoutDuration),
		auth.WithDefaultRole(cfg.DefaultRole),
		auth.WithOpTimeout(cfg.OpTimeout),
		auth.WithRoleCacheSize(cfg.RoleCacheSize),
		auth.WithHashParams(auth.HashParams{
			MemoryKiB:  cfg.Argon2MemoryKiB,
			Iterations: cfg.Argon2Iterations,
			Threads:    cfg.Argon2Threads,
			SaltLen:    auth.DefaultHashParams.SaltLen,
			KeyLen:     auth.DefaultHashParams.KeyLen,
		}),
		auth.WithLogger(obs.Component("auth")),
	}
	if cfg.HashConcurrency > 0 {
		opts = append(opts, auth.WithHashConcurrency(cfg.HashConcurrency, cfg.HashTimeout))
	}

	sweeper, err := housekeeping.New(cfg.SweepSchedule, cfg.SweepRetention,
		housekeeping.WithTimeout(cfg.OpTimeout),
		housekeeping.WithLogger(obs.Component("sweeper")),
	)
	if err != nil {
		log.WithError(err).Fatal("sweeper")
	}
	sweeper.Add(cfg.Store, store)

	if cfg.RedisURL != "" {
		ropts, err := goredis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.WithError(err).Fatal("parse redis url")
		}
		client := goredis.NewClient(ropts)
		defer client.Close()
		tokens := redis.New(client, cfg.RedisPrefix)
		opts = append(opts, auth.WithTokenStore(tokens))
		deps["redis"] = tokens
		sweeper.Add("redis", tokens)
		log.WithField("prefix", cfg.RedisPrefix).Info("token records in redis")
	}

	svc, err := auth.NewService(store, []byte(cfg.TokenSecret), opts...)
	if err != nil {
		log.WithError(err).Fatal("auth service")
	}
	seedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = svc.EnsureBuiltins(seedCtx)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("seed builtin roles")
	}

	probe := httpapi.ReadyProbe{Deps: deps, Timeout: 2 * time.Second}
	api := httpapi.New(svc, probe, httpapi.Config{
		Version:          version,
		TenantHeader:     cfg.TenantHeader,
		TenantHostSuffix: cfg.TenantHostSuffix,
		RatePerSec:       cfg.RateLimitPerSec,
		RateBurst:        cfg.RateLimitBurst,
		MaxBodyBytes:     cfg.MaxBodyBytes,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	authz := httpapi.NewGRPCServer(svc, probe, version)
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(httpapi.UnaryLogging))
	authz.Register(grpcSrv)
	_ = authz.RefreshHealth(ctx)

	if err := sweeper.Start(); err != nil {
		log.WithError(err).Fatal("start sweeper")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(logrus.Fields{"addr": httpSrv.Addr, "version": version}).Info("http listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		log.WithField("addr", cfg.GRPCAddr).Info("grpc listening")
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				_ = authz.RefreshHealth(gctx)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		authz.Shutdown()
		<-sweeper.Stop().Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		done := make(chan struct{})
		go func() {
			grpcSrv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			grpcSrv.Stop()
		}
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("server exited")
		closeStore()
		os.Exit(1)
	}
	log.Info("stopped")
}

// openStore returns the configured backing store and its close function.
func openStore(ctx context.Context, cfg config.Config, log *logrus.Entry) (backingStore, func(), error) {
	if cfg.Store == config.StoreMemory {
		log.Warn("using in-memory store; data is lost on restart")
		return memory.New(), func() {}, nil
	}
	st, err := pg.Open(cfg.PGDSN, pg.DefaultPool)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := st.Ping(pingCtx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	if cfg.AutoMigrate {
		applied, err := migrate.NewManager(st.DB(), nil).Up(pingCtx)
		if err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		for _, name := range applied {
			log.WithField("migration", name).Info("applied")
		}
	}
	return st, func() { _ = st.Close() }, nil
}
