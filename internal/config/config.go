package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config содержит всю конфигурацию движка исполнения
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Exchange  ExchangeConfig
	Ledger    LedgerConfig
	Engine    EngineConfig
	Signal    SignalConfig
	Telegram  TelegramConfig
	Logging   LoggingConfig
	// SecretsPassphrase - passphrase для расшифровки API-ключей,
	// зашифрованных AES-256-GCM (pkg/crypto)
	SecretsPassphrase string
}

// ServerConfig - настройки HTTP сервера (health + операторский API)
type ServerConfig struct {
	Host string
	Port int
}

// DatabaseConfig - настройки подключения к durable store
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// ExchangeConfig - настройки биржевого клиента
type ExchangeConfig struct {
	BaseURL        string
	APIKey         string // зашифрован, если установлен SECRETS_PASSPHRASE
	APISecret      string // зашифрован, если установлен SECRETS_PASSPHRASE
	RequestTimeout time.Duration
	RateLimit      float64 // запросов в секунду
	RateBurst      float64
}

// LedgerConfig - настройки синхронизации с внешним ledger
type LedgerConfig struct {
	BaseURL        string
	DocumentID     string // идентификатор документа-реестра
	APIToken       string
	BatchSize      int           // максимум записей в одном batch-запросе
	SyncInterval   time.Duration // период опроса очереди ledger-операций
	RequestTimeout time.Duration
	MaxRetries     int // потолок retry на батч, дальше FAILED + алерт
}

// EngineConfig - настройки воркеров исполнения и реконсиляции
type EngineConfig struct {
	// Очередь исполнения
	PollInterval  time.Duration // пауза при пустой очереди
	LeaseDuration time.Duration // lease на claimed действие
	MaxAttempts   int           // потолок transient-retry, дальше DEAD

	// TP/SL реконсиляция
	ReconcileInterval time.Duration
	// StuckCycles - после скольких подряд циклов без статуса обеих ног
	// отправляется алерт RECONCILE_STUCK
	StuckCycles int
}

// SignalConfig - настройки приёма торговых намерений
type SignalConfig struct {
	// FeedURL - WebSocket endpoint генератора сигналов.
	// Пустое значение отключает приём (полезно в тестах и при ручном
	// наполнении очереди).
	FeedURL        string
	ReconnectDelay time.Duration
	ReadTimeout    time.Duration
}

// TelegramConfig - настройки канала алертов
type TelegramConfig struct {
	Token  string
	ChatID int64
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level  string
	Format string
}

// Load загружает конфигурацию из переменных окружения
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8080),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "postgres"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			Name:     getEnv("DB_NAME", "tradesync"),
			User:     getEnv("DB_USER", "tradesync"),
			Password: getEnv("DB_PASSWORD", ""),
			SSLMode:  getEnv("DB_SSL_MODE", "disable"),
		},
		Exchange: ExchangeConfig{
			BaseURL:        getEnv("EXCHANGE_BASE_URL", "https://api.exchange.example.com/v1"),
			APIKey:         getEnv("EXCHANGE_API_KEY", ""),
			APISecret:      getEnv("EXCHANGE_API_SECRET", ""),
			RequestTimeout: getEnvAsDuration("EXCHANGE_TIMEOUT", 10*time.Second),
			RateLimit:      getEnvAsFloat("EXCHANGE_RATE_LIMIT", 10),
			RateBurst:      getEnvAsFloat("EXCHANGE_RATE_BURST", 20),
		},
		Ledger: LedgerConfig{
			BaseURL:        getEnv("LEDGER_BASE_URL", "https://ledger.example.com/api"),
			DocumentID:     getEnv("LEDGER_DOCUMENT_ID", ""),
			APIToken:       getEnv("LEDGER_API_TOKEN", ""),
			BatchSize:      getEnvAsInt("LEDGER_BATCH_SIZE", 20),
			SyncInterval:   getEnvAsDuration("LEDGER_SYNC_INTERVAL", 5*time.Second),
			RequestTimeout: getEnvAsDuration("LEDGER_TIMEOUT", 15*time.Second),
			MaxRetries:     getEnvAsInt("LEDGER_MAX_RETRIES", 5),
		},
		Engine: EngineConfig{
			PollInterval:      getEnvAsDuration("QUEUE_POLL_INTERVAL", 1*time.Second),
			LeaseDuration:     getEnvAsDuration("QUEUE_LEASE_DURATION", 30*time.Second),
			MaxAttempts:       getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
			ReconcileInterval: getEnvAsDuration("RECONCILE_INTERVAL", 10*time.Second),
			StuckCycles:       getEnvAsInt("RECONCILE_STUCK_CYCLES", 5),
		},
		Signal: SignalConfig{
			FeedURL:        getEnv("SIGNAL_FEED_URL", ""),
			ReconnectDelay: getEnvAsDuration("SIGNAL_RECONNECT_DELAY", 3*time.Second),
			ReadTimeout:    getEnvAsDuration("SIGNAL_READ_TIMEOUT", 60*time.Second),
		},
		Telegram: TelegramConfig{
			Token:  getEnv("TELEGRAM_TOKEN", ""),
			ChatID: getEnvAsInt64("TELEGRAM_CHAT_ID", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		SecretsPassphrase: getEnv("SECRETS_PASSPHRASE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет согласованность операционных параметров
func (c *Config) Validate() error {
	if c.Engine.LeaseDuration <= c.Engine.PollInterval {
		return fmt.Errorf("lease duration (%s) must exceed poll interval (%s)",
			c.Engine.LeaseDuration, c.Engine.PollInterval)
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("queue max attempts must be >= 1, got %d", c.Engine.MaxAttempts)
	}
	if c.Ledger.BatchSize < 1 {
		return fmt.Errorf("ledger batch size must be >= 1, got %d", c.Ledger.BatchSize)
	}
	if c.Engine.StuckCycles < 1 {
		return fmt.Errorf("reconcile stuck cycles must be >= 1, got %d", c.Engine.StuckCycles)
	}
	return nil
}

// ============================================================
// Helpers для чтения переменных окружения
// ============================================================

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
