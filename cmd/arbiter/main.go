package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/caesar-terminal/arbiter/internal/adapter"
	"github.com/caesar-terminal/arbiter/internal/adapter/bybit"
	"github.com/caesar-terminal/arbiter/internal/adapter/dexnow"
	"github.com/caesar-terminal/arbiter/internal/arbitrage"
	"github.com/caesar-terminal/arbiter/internal/config"
	"github.com/caesar-terminal/arbiter/internal/engine"
	"github.com/caesar-terminal/arbiter/internal/health"
	"github.com/caesar-terminal/arbiter/internal/kms"
	"github.com/caesar-terminal/arbiter/internal/logger"
	"github.com/caesar-terminal/arbiter/internal/metrics"
	"github.com/caesar-terminal/arbiter/internal/secret"
	"github.com/caesar-terminal/arbiter/internal/sink"
)

func main() {
	err := run()
	memguard.Purge()
	if err != nil {
		fmt.Fprintf(os.Stderr, "arbiter: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"env": cfg.Env, "instrument": cfg.Instrument}).Info("arbiter starting")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	met := metrics.New()
	reg := health.NewRegistry()
	runnerOpts := []adapter.RunnerOption{
		adapter.WithLogger(log),
		adapter.WithMetrics(met),
		adapter.WithStateListener(reg),
	}

	b := engine.NewBuilder(cfg.Instrument).
		WithDetector(arbitrage.NewDetector(arbitrage.Config{
			MaxBookSkew: cfg.Detector.MaxBookSkew,
			MaxBookAge:  cfg.Detector.MaxBookAge,
		})).
		WithBufferSize(cfg.Engine.BufferSize).
		WithLogger(log).
		WithMetrics(met)

	if cfg.Bybit.Enabled {
		b.Register(bybit.New(bybit.Config{
			URL:     cfg.Bybit.WSURL,
			Depth:   cfg.Bybit.Depth,
			Options: runnerOptions(cfg.Bybit.KeepaliveConfig),
		}, runnerOpts...))
		reg.Watch(bybit.Name)
	}
	if cfg.DEXnow.Enabled {
		dex, err := dexnow.New(ctx, dexnow.Config{
			WSURL:         cfg.DEXnow.WSURL,
			RPCURL:        cfg.DEXnow.RPCURL,
			Commitment:    cfg.DEXnow.Commitment,
			AssetDecimals: cfg.DEXnow.AssetDecimals,
			Accounts:      cfg.DEXnow.Accounts,
			Options:       runnerOptions(cfg.DEXnow.KeepaliveConfig),
		}, runnerOpts...)
		if err != nil {
			return err
		}
		defer dex.Close()
		b.Register(dex)
		reg.Watch(dexnow.Name)
	}

	m, err := b.Build()
	if err != nil {
		return err
	}

	var healthSrv *health.Server
	if cfg.Health.Addr != "" {
		if healthSrv, err = health.NewServer(cfg.Health.Addr, reg); err != nil {
			return err
		}
	}
	var rc *redis.Client
	if cfg.Redis.Enabled {
		if rc, err = newRedis(ctx, cfg); err != nil {
			return err
		}
		defer rc.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return met.Serve(gctx, cfg.Metrics.Addr) })
	}
	if healthSrv != nil {
		g.Go(func() error { return healthSrv.Serve(gctx) })
	}

	rep := sink.NewReporter(m.Broadcaster().SubscribeOpportunities(), cfg.Report.Rate, cfg.Report.Burst,
		logger.Component(log, "reporter"))
	g.Go(func() error {
		rep.Run(gctx)
		return nil
	})

	if rc != nil {
		rw := sink.NewRedisWriter(sink.NewRedisClient(rc), cfg.Instrument,
			m.Broadcaster().SubscribePrices(), m.Broadcaster().SubscribeOpportunities(),
			logger.Component(log, "redis"))
		g.Go(func() error {
			rw.Run(gctx)
			return nil
		})
	}

	g.Go(func() error { return m.Run(gctx) })

	err = g.Wait()
	log.Info("arbiter stopped")
	return err
}

func runnerOptions(k config.KeepaliveConfig) adapter.Options {
	opts := adapter.DefaultOptions()
	opts.PingInterval = k.PingInterval
	opts.PongTimeout = k.PongTimeout
	opts.ReconnectDelay = k.ReconnectDelay
	return opts
}

// newRedis resolves the password, through KMS when it is given as a
// ciphertext, and connects.
func newRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	var dec secret.Decrypter
	if cfg.Redis.PasswordCiphertext != "" {
		kc, err := kms.New(ctx, cfg.AWS.Region, cfg.AWS.LocalStackEndpoint)
		if err != nil {
			return nil, err
		}
		dec = kc
	}
	enclave, err := secret.Resolve(ctx, dec, cfg.Redis.Password, cfg.Redis.PasswordCiphertext)
	if err != nil {
		return nil, err
	}
	password, err := secret.Reveal(enclave)
	if err != nil {
		return nil, err
	}

	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Redis.Addr, err)
	}
	return rc, nil
}
