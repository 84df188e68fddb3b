// Package main is the pifsd binary: the cobra-based entry point that wires
// every collaborator built under pkg/ and internal/ into a runnable process,
// the Go analogue of the original project's Flask app factory plus its
// separate Celery-style worker entry point. Subcommand dispatch follows the
// corpus's cobra-based CLIs (NebulousLabs-Sia's cmd/siac, storj-storj); the
// teacher itself (cs3org-reva's cmd/revad) parses a single flat flag set
// with the standard library's flag package, but PIFS needs two genuinely
// different run modes (HTTP server, queue worker) so a subcommand tree is
// the better fit and is still grounded in a corpus repo's own CLI idiom.
package main

import (
	"context"
	"fmt"

	"github.com/csc-fi/pifs/internal/auth"
	"github.com/csc-fi/pifs/internal/http/services/pifs"
	"github.com/csc-fi/pifs/pkg/catalogue"
	"github.com/csc-fi/pifs/pkg/config"
	"github.com/csc-fi/pifs/pkg/datasetguard"
	"github.com/csc-fi/pifs/pkg/lockmanager"
	"github.com/csc-fi/pifs/pkg/log"
	"github.com/csc-fi/pifs/pkg/metrics"
	"github.com/csc-fi/pifs/pkg/quota"
	"github.com/csc-fi/pifs/pkg/store"
	"github.com/csc-fi/pifs/pkg/store/mongostore"
	"github.com/csc-fi/pifs/pkg/taskqueue"
	"github.com/csc-fi/pifs/pkg/trash"
	"github.com/csc-fi/pifs/pkg/tusadapter"
	"github.com/csc-fi/pifs/pkg/upload"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// loggers is the set of per-package zerolog.Loggers handed to every
// collaborator, built through pkg/log's registry (New/Enable) instead of
// as ad-hoc zerolog.New() calls scattered across main, so pifsd gets the
// same enable/disable-by-package control reva's own operators rely on.
type loggers struct {
	main   *zerolog.Logger
	queue  *zerolog.Logger
	upload *zerolog.Logger
	trash  *zerolog.Logger
	http   *zerolog.Logger
	worker *zerolog.Logger
}

func setupLogging(mode string) *loggers {
	log.Mode = mode

	build := func(pkg string) *zerolog.Logger {
		l := log.New(pkg)
		_ = log.Enable(pkg)
		return l.Zerolog()
	}

	return &loggers{
		main:   build("pifsd"),
		queue:  build("taskqueue"),
		upload: build("upload"),
		trash:  build("trash"),
		http:   build("http"),
		worker: build("worker"),
	}
}

// app is every long-lived collaborator pifsd's subcommands share.
type app struct {
	cfg     *config.Config
	logs    *loggers
	store   store.Store
	redis   *redis.Client
	locks   *lockmanager.Manager
	cat     *catalogue.Client
	acct    *quota.Accountant
	guard   *datasetguard.Guard
	queue   *taskqueue.Queue
	uploads *upload.Service
	trash   *trash.Mover
	authr   *auth.Resolver
	metrics *metrics.Metrics
	reg     *prometheus.Registry
}

func newApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	logs := setupLogging(cfg.LogMode)

	mongo, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	cat := catalogue.New(catalogue.Config{
		BaseURL:   cfg.CatalogueBaseURL,
		Username:  cfg.CatalogueUser,
		Password:  cfg.CataloguePassword,
		StorageID: cfg.StorageID,
		Timeout:   cfg.CatalogueTimeout,
		ChunkSize: cfg.CatalogueBatchChunkSize,
	})

	locks := lockmanager.New(rdb, cfg.LockTTL, cfg.LockTimeout)
	acct := quota.New(mongo.Projects(), mongo.Uploads())
	guard := datasetguard.New(cat)
	queue := taskqueue.New(rdb, mongo.Tasks(), logs.queue)

	uploads := upload.New(upload.Config{
		ProjectsPath:        cfg.ProjectsPath,
		TmpPath:             cfg.TmpPath,
		MaxContentLength:    cfg.MaxContentLength,
		AsyncThresholdBytes: cfg.AsyncThresholdBytes,
		LockTTL:             cfg.LockTTL,
		LockTimeout:         cfg.LockTimeout,
	}, mongo, locks, cat, acct, logs.upload)

	mover := trash.New(trash.Config{
		ProjectsPath: cfg.ProjectsPath,
		TrashPath:    cfg.TrashPath,
		LockTTL:      cfg.LockTTL,
		LockTimeout:  cfg.LockTimeout,
	}, mongo, locks, cat, guard, queue, acct, logs.trash)

	authr := auth.New(mongo.Tokens(), mongo.Users(), cfg.AdminToken)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	return &app{
		cfg:     cfg,
		logs:    logs,
		store:   mongo,
		redis:   rdb,
		locks:   locks,
		cat:     cat,
		acct:    acct,
		guard:   guard,
		queue:   queue,
		uploads: uploads,
		trash:   mover,
		authr:   authr,
		metrics: m,
		reg:     reg,
	}, nil
}

// httpService builds the chi-based HTTP surface, including the tus adapter
// mounted under cfg.TusPath.
func (a *app) httpService() (*pifs.Service, error) {
	tusHandler, err := tusadapter.New(a.uploads, a.queue, a.logs.http, a.cfg.TusPath)
	if err != nil {
		return nil, fmt.Errorf("building tus adapter: %w", err)
	}

	deps := pifs.Deps{
		Store:     a.store,
		Locks:     a.locks,
		Catalogue: a.cat,
		Quota:     a.acct,
		Guard:     a.guard,
		Queue:     a.queue,
		Uploads:   a.uploads,
		Trash:     a.trash,
		Auth:      a.authr,
		Tus:       tusHandler,
		Metrics:   a.metrics,
		Log:       a.logs.http,
	}

	return pifs.New(pifs.Config{
		ProjectsPath: a.cfg.ProjectsPath,
		TusBasePath:  a.cfg.TusPath,
	}, deps), nil
}
