package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/David6811/verifyLocalFirst-sub001/internal/api"
	"github.com/David6811/verifyLocalFirst-sub001/internal/config"
	"github.com/David6811/verifyLocalFirst-sub001/internal/logger"
	"github.com/David6811/verifyLocalFirst-sub001/internal/storage"
	"github.com/David6811/verifyLocalFirst-sub001/internal/store"
	syncengine "github.com/David6811/verifyLocalFirst-sub001/internal/sync"
)

func main() {
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	fileCfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.InitLogger(fileCfg.Logging.Level, fileCfg.Logging.Format); err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Log.Info("Starting local-first sync service")

	syncCfg, err := config.Resolve(fileCfg.Sync.Table, fileCfg.Sync.StorageKeyPrefix, fileCfg.Sync.Overrides)
	if err != nil {
		logger.Log.Fatal("Invalid sync configuration", zap.Error(err))
	}

	kv, err := storage.Open(syncCfg.PrimaryStorage, syncCfg.StoragePath)
	if err != nil {
		logger.Log.Fatal("Failed to open storage", zap.Error(err))
	}
	defer kv.Close()

	repo := store.NewRepository(kv, syncCfg.TableName)

	remote, err := syncengine.NewRemote(syncCfg)
	if err != nil {
		logger.Log.Fatal("Failed to build remote peer", zap.Error(err))
	}

	engine := syncengine.NewEngine(syncCfg, repo, remote, kv)
	if err := engine.Initialize(context.Background()); err != nil {
		logger.Log.Fatal("Failed to initialize sync engine", zap.Error(err))
	}
	defer engine.Cleanup()

	scheduler := syncengine.NewScheduler(syncCfg.SyncSchedule, engine)
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(repo, engine, fileCfg.Server.AuthToken, syncCfg.OwnerID)

	serverAddr := fmt.Sprintf("%s:%d", fileCfg.Server.Host, fileCfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  fileCfg.Server.GetReadTimeout(),
		WriteTimeout: fileCfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Log.Info("Server listening", zap.String("addr", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down...")
	if err := server.Shutdown(context.Background()); err != nil {
		logger.Log.Error("Server shutdown failed", zap.Error(err))
	}
}
