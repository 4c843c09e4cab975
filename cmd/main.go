package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pot-code/lesson-gate/internal/catalog"
	infra "github.com/pot-code/lesson-gate/internal/infrastructure"
	"github.com/pot-code/lesson-gate/internal/infrastructure/driver"
	"github.com/pot-code/lesson-gate/internal/infrastructure/logging"
	"github.com/pot-code/lesson-gate/internal/infrastructure/scheduler"
	"github.com/pot-code/lesson-gate/internal/infrastructure/uuid"
	"github.com/pot-code/lesson-gate/internal/interfaces/rest"
	"github.com/pot-code/lesson-gate/internal/progress"
	"github.com/pot-code/lesson-gate/internal/progression"
	"go.uber.org/zap"
)

func main() {
	log.SetFlags(log.Lshortfile | log.Ldate | log.Ltime)
	option, err := infra.InitConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		FilePath: option.Logging.FilePath,
		Level:    option.Logging.Level,
		AppID:    option.AppID,
		Env:      option.Env,
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %s\n", err)
	}
	defer logger.Sync()

	var dbConn driver.ITransactionalDB
	if option.UsesSQL() {
		dbConn, err = driver.GetDBConnection(&driver.DBConfig{
			User:     option.Database.User,
			Password: option.Database.Password,
			MaxConn:  option.Database.MaxConn,
			Protocol: option.Database.Protocol,
			Driver:   option.Database.Driver,
			Host:     option.Database.Host,
			Port:     option.Database.Port,
			Query:    option.Database.Query,
			Schema:   option.Database.Schema,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to create DB connection", zap.Error(err))
		}
		defer dbConn.Close(context.Background())
		logger.Debug("Create DB connection instance",
			zap.String("db.driver", option.Database.Driver),
			zap.String("db.schema", option.Database.Schema),
			zap.String("db.host", option.Database.Host),
		)
	}

	var kv driver.KeyValueDB
	if option.KVStore.Memory {
		if kv, err = driver.NewMemoryKV(); err != nil {
			logger.Fatal("Failed to start in-process KV", zap.Error(err))
		}
	} else {
		kv = driver.NewRedisClient(option.KVStore.Host, option.KVStore.Port, option.KVStore.Password, option.KVStore.DB)
	}
	defer kv.Close()

	var CatalogRepo catalog.CatalogRepository
	switch option.Catalog.Source {
	case infra.CatalogSourceFile:
		if CatalogRepo, err = catalog.NewFileRepository(option.Catalog.FilePath); err != nil {
			logger.Fatal("Failed to load catalog file", zap.String("catalog.file_path", option.Catalog.FilePath), zap.Error(err))
		}
	default:
		CatalogRepo = catalog.NewCatalogRepository(dbConn)
		if option.Catalog.CacheTTL > 0 {
			CatalogRepo = catalog.NewCachedRepository(CatalogRepo, kv, option.Catalog.CacheTTL, logger)
		}
	}
	CatalogUseCase := catalog.NewCatalogUseCase(CatalogRepo)

	var ProgressStore progress.Store
	switch option.Progress.Store {
	case infra.StoreKV:
		ProgressStore = progress.NewProgressKV(kv, CatalogUseCase)
	default:
		ProgressStore = progress.NewProgressRepository(dbConn, CatalogUseCase)
	}

	Registry := progression.NewRegistry(CatalogUseCase, ProgressStore, progression.Options{
		CompletionThreshold: option.Progress.CompletionThreshold,
		AutoAdvance:         option.Progress.AutoAdvance,
		AutoAdvanceDelay:    option.Progress.AutoAdvanceDelay,
		MaxPendingWrites:    option.Progress.MaxPendingWrites,
		Logger:              logger,
		IDGenerator:         uuid.NewNanoIDGenerator(option.Security.IDLength).WithPrefix("qa_"),
	})

	jobs := scheduler.New(logger)
	if err := jobs.Every("flush-progress", option.Progress.RetryInterval, Registry.FlushAll); err != nil {
		logger.Fatal("Failed to schedule progress flush", zap.Error(err))
	}
	if err := jobs.Every("evict-sessions", option.Progress.SessionIdleTimeout/2, func(ctx context.Context) {
		Registry.EvictIdle(ctx, option.Progress.SessionIdleTimeout)
	}); err != nil {
		logger.Fatal("Failed to schedule session eviction", zap.Error(err))
	}
	jobs.Start()

	app := rest.NewApp(&rest.Dependencies{
		Conn:     dbConn,
		KV:       kv,
		Registry: Registry,
		Config:   option,
		Logger:   logger,
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown server", zap.Error(err))
		}
	}()

	if err := rest.Serve(app, option); err != nil {
		logger.Error("Server stopped", zap.Error(err))
	}
	jobs.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	Registry.Close(ctx)
}
