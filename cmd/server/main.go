package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tradesync/internal/api"
	"tradesync/internal/config"
	"tradesync/internal/engine"
	"tradesync/internal/exchange"
	"tradesync/internal/ledger"
	"tradesync/internal/models"
	"tradesync/internal/notify"
	"tradesync/internal/repository"
	intake "tradesync/internal/signal"
	"tradesync/pkg/crypto"
	"tradesync/pkg/utils"

	_ "github.com/lib/pq"
)

func main() {
	// .env для локальной разработки; в production переменные приходят
	// из окружения и файл отсутствует
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := utils.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Расшифровка API-ключей, если задана passphrase
	if cfg.SecretsPassphrase != "" {
		if err := decryptSecrets(cfg); err != nil {
			logger.Fatal("failed to decrypt credentials", zap.Error(err))
		}
	}

	db, err := repository.Open(cfg.Database.Driver, buildDSN(cfg))
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := repository.InitSchema(ctx, db); err != nil {
		logger.Fatal("failed to init schema", zap.Error(err))
	}

	logger.Info("connected to durable store",
		zap.String("host", cfg.Database.Host),
		zap.String("database", cfg.Database.Name))

	// Канал уведомлений: единственный потребитель - dispatcher
	notifications := make(chan *models.Notification, 100)

	dispatcher, err := notify.NewDispatcher(db, notifications, logger, notify.Config{
		TelegramToken:  cfg.Telegram.Token,
		TelegramChatID: cfg.Telegram.ChatID,
	})
	if err != nil {
		logger.Fatal("failed to init notifications", zap.Error(err))
	}

	exchangeClient := exchange.NewRESTClient(exchange.RESTConfig{
		BaseURL:   cfg.Exchange.BaseURL,
		APIKey:    cfg.Exchange.APIKey,
		APISecret: cfg.Exchange.APISecret,
		Timeout:   cfg.Exchange.RequestTimeout,
		RateLimit: cfg.Exchange.RateLimit,
		RateBurst: cfg.Exchange.RateBurst,
	})

	ledgerClient := ledger.NewHTTPClient(ledger.HTTPClientConfig{
		BaseURL:    cfg.Ledger.BaseURL,
		DocumentID: cfg.Ledger.DocumentID,
		APIToken:   cfg.Ledger.APIToken,
		Timeout:    cfg.Ledger.RequestTimeout,
	})

	processor := engine.NewProcessor(db, exchangeClient, notifications, logger, engine.ProcessorConfig{
		PollInterval:  cfg.Engine.PollInterval,
		LeaseDuration: cfg.Engine.LeaseDuration,
		MaxAttempts:   cfg.Engine.MaxAttempts,
	})

	reconciler := engine.NewReconciler(db, exchangeClient, notifications, logger, engine.ReconcilerConfig{
		Interval:    cfg.Engine.ReconcileInterval,
		StuckCycles: cfg.Engine.StuckCycles,
	})

	syncer := ledger.NewSyncer(db, ledgerClient, notifications, logger, ledger.SyncerConfig{
		BatchSize:    cfg.Ledger.BatchSize,
		SyncInterval: cfg.Ledger.SyncInterval,
		MaxRetries:   cfg.Ledger.MaxRetries,
	})

	feed := intake.NewIntake(db, logger, intake.Config{
		FeedURL:        cfg.Signal.FeedURL,
		ReconnectDelay: cfg.Signal.ReconnectDelay,
		ReadTimeout:    cfg.Signal.ReadTimeout,
	})

	// Startup recovery: in-flight ledger-записи возвращаются в PENDING
	// до запуска воркеров
	if err := syncer.Recover(ctx); err != nil {
		logger.Fatal("ledger recovery failed", zap.Error(err))
	}

	var wg sync.WaitGroup
	runWorker := func(name string, run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
		logger.Info("worker started", zap.String("worker", name))
	}

	runWorker("dispatcher", dispatcher.Run)
	runWorker("processor", processor.Run)
	runWorker("reconciler", reconciler.Run)
	runWorker("ledger-syncer", syncer.Run)
	runWorker("signal-intake", feed.Run)

	router := api.SetupRoutes(db)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting http server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	// Сначала останавливаем воркеры: действия в IN_PROGRESS вернутся
	// в пул claimable по истечении lease после рестарта
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

// buildDSN собирает строку подключения к durable store
func buildDSN(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)
}

// decryptSecrets расшифровывает зашифрованные API-ключи на месте
func decryptSecrets(cfg *config.Config) error {
	key, err := crypto.DeriveKey(cfg.SecretsPassphrase)
	if err != nil {
		return err
	}

	if cfg.Exchange.APIKey != "" {
		if cfg.Exchange.APIKey, err = crypto.Decrypt(cfg.Exchange.APIKey, key); err != nil {
			return fmt.Errorf("exchange api key: %w", err)
		}
	}
	if cfg.Exchange.APISecret != "" {
		if cfg.Exchange.APISecret, err = crypto.Decrypt(cfg.Exchange.APISecret, key); err != nil {
			return fmt.Errorf("exchange api secret: %w", err)
		}
	}
	if cfg.Ledger.APIToken != "" {
		if cfg.Ledger.APIToken, err = crypto.Decrypt(cfg.Ledger.APIToken, key); err != nil {
			return fmt.Errorf("ledger api token: %w", err)
		}
	}

	return nil
}
