package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/v1nometrics/docusign-ura/cache"
	"github.com/v1nometrics/docusign-ura/config"
	"github.com/v1nometrics/docusign-ura/model"
	"github.com/v1nometrics/docusign-ura/monitor"
	"github.com/v1nometrics/docusign-ura/pkg/logger"
	"github.com/v1nometrics/docusign-ura/service"
)

// contractStorage is implemented by both storage backends
type contractStorage interface {
	monitor.Storage
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// app holds the collaborators shared by the commands
type app struct {
	cfg     *config.Config
	storage contractStorage
	local   *service.LocalStorage
	cache   *cache.Cache
	audit   *service.DirAuditWriter
	tracker *service.SheetsTracker
	monitor *monitor.Monitor
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn(context.Background(), "failed to close resource", "error", err)
		}
	}
}

// openCache opens the configured processed-set backend
func openCache(ctx context.Context, cfg *config.Config) (*cache.Cache, func() error, error) {
	var backend cache.Backend
	closer := func() error { return nil }

	switch cfg.Cache.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		backend = cache.NewRedisBackend(client, cfg.Cache.Redis.KeyPrefix)
		closer = client.Close
	default:
		backend = cache.NewFileBackend(cfg.Cache.File)
	}

	c, err := cache.Open(ctx, backend, cache.WithClaimTTL(cfg.Cache.ClaimTTL))
	if err != nil {
		closer()
		return nil, nil, err
	}
	return c, closer, nil
}

func openStorage(ctx context.Context, cfg *config.StorageConfig) (contractStorage, *service.LocalStorage, error) {
	if cfg.LocalDir != "" {
		local := service.NewLocalStorage(cfg.LocalDir)
		return local, local, nil
	}
	s, err := service.NewMinioStorage(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := s.CheckBucket(ctx); err != nil {
		return nil, nil, err
	}
	return s, nil, nil
}

// errSigningDisabled is returned when a command that only inspects storage
// reaches envelope creation.
var errSigningDisabled = &model.EnvelopeError{Kind: model.ErrValidation, Message: "signing is not configured for this command"}

type disabledCreator struct{}

func (disabledCreator) CreateEnvelope(context.Context, model.EnvelopeRequest) (model.Envelope, error) {
	return model.Envelope{}, errSigningDisabled
}

type auditWriters []monitor.AuditWriter

func (w auditWriters) Write(ctx context.Context, name string, rec model.AuditRecord) error {
	var errs []error
	for _, aw := range w {
		errs = append(errs, aw.Write(ctx, name, rec))
	}
	return errors.Join(errs...)
}

// buildApp wires storage, cache, signer, tracker and monitor. With signing
// off no DocuSign credentials are needed.
func buildApp(ctx context.Context, cfg *config.Config, signing bool) (*app, error) {
	a := &app{cfg: cfg, audit: service.NewDirAuditWriter(cfg.Monitor.ProcessedDir)}

	c, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.cache = c
	a.closers = append(a.closers, closeCache)

	a.storage, a.local, err = openStorage(ctx, &cfg.Storage)
	if err != nil {
		a.Close()
		return nil, err
	}

	var creator monitor.EnvelopeCreator = disabledCreator{}
	if signing {
		if err := cfg.ValidateSigning(); err != nil {
			a.Close()
			return nil, err
		}
		ds, err := service.NewDocuSignClient(&cfg.DocuSign)
		if err != nil {
			a.Close()
			return nil, err
		}
		creator = ds
	}

	opts := []monitor.ProcessorOption{
		monitor.WithRetryPolicy(monitor.RetryPolicy{MaxAttempts: cfg.Monitor.MaxRetries, Delay: cfg.Monitor.RetryDelay}),
		monitor.WithPageCounter(service.PageCount),
	}
	writers := auditWriters{a.audit}
	if cfg.Monitor.AuditToBucket {
		writers = append(writers, service.NewBucketAuditWriter(a.storage, cfg.Storage.ContractsPrefix))
	}
	opts = append(opts, monitor.WithAudit(writers, cfg.Monitor.AuditHistory))

	if cfg.Sheets.Enabled {
		t, err := service.NewSheetsTracker(&cfg.Sheets)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.tracker = t
		opts = append(opts, monitor.WithTracker(t))
	}

	processor := monitor.NewProcessor(a.storage, creator, opts...)
	a.monitor = monitor.New(a.storage, processor, a.cache, cfg.Storage.ContractsPrefix,
		monitor.WithIntervalPolicy(monitor.IntervalPolicyFromConfig(&cfg.Monitor)))
	return a, nil
}
