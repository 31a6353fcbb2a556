package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"tradesync/internal/models"
	"tradesync/internal/repository"
	"tradesync/pkg/retry"
)

// ============ Метрики синхронизации ledger ============

var syncedEntries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradesync",
		Subsystem: "ledger",
		Name:      "entries_total",
		Help:      "Ledger entries by final outcome",
	},
	[]string{"outcome"}, // acked, duplicate, skipped, failed
)

var batchDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "tradesync",
		Subsystem: "ledger",
		Name:      "batch_duration_seconds",
		Help:      "Time to apply one ledger batch including retries",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
)

// Syncer - воркер синхронизации очереди LedgerUpdate с remote ledger.
//
// Гарантии:
//   - записи одного row_key применяются в порядке постановки в очередь
//     (NextBatch отдаёт только голову каждого row-потока);
//   - ключ идемпотентности не применяется дважды: локальный dedup-журнал
//     отсекает повторную отправку, remote-сторона отвечает duplicate
//     на ключи, потерявшие ack;
//   - батч, исчерпавший retry, помечается FAILED и алертится - записи
//     не теряются и переотправляются следующим запуском.
type Syncer struct {
	db            *sql.DB
	ledgerRepo    *repository.LedgerRepository
	metaRepo      *repository.MetaRepository
	client        BatchClient
	notifications chan<- *models.Notification
	log           *zap.Logger

	batchSize    int
	syncInterval time.Duration
	retryCfg     retry.Config
}

// SyncerConfig - параметры воркера синхронизации
type SyncerConfig struct {
	BatchSize    int
	SyncInterval time.Duration
	MaxRetries   int
}

// NewSyncer создает воркер синхронизации
func NewSyncer(
	db *sql.DB,
	client BatchClient,
	notifications chan<- *models.Notification,
	log *zap.Logger,
	cfg SyncerConfig,
) *Syncer {
	retryCfg := retry.LedgerConfig()
	retryCfg.RetryIf = retry.IsRetryable
	if cfg.MaxRetries > 0 {
		retryCfg.MaxRetries = cfg.MaxRetries
	}

	return &Syncer{
		db:            db,
		ledgerRepo:    repository.NewLedgerRepository(db),
		metaRepo:      repository.NewMetaRepository(db),
		client:        client,
		notifications: notifications,
		log:           log.Named("ledger"),
		batchSize:     cfg.BatchSize,
		syncInterval:  cfg.SyncInterval,
		retryCfg:      retryCfg,
	}
}

// Recover возвращает in-flight и FAILED записи в PENDING.
// Вызывается один раз при старте до запуска Run.
func (s *Syncer) Recover(ctx context.Context) error {
	inflight, err := s.ledgerRepo.RecoverInFlight(ctx)
	if err != nil {
		return err
	}

	requeued, err := s.ledgerRepo.RequeueFailed(ctx)
	if err != nil {
		return err
	}

	if inflight > 0 || requeued > 0 {
		s.log.Info("recovered ledger queue",
			zap.Int64("in_flight", inflight),
			zap.Int64("failed_requeued", requeued))
	}

	return nil
}

// Run запускает цикл синхронизации до отмены контекста
func (s *Syncer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	s.log.Info("ledger syncer started",
		zap.Int("batch_size", s.batchSize),
		zap.Duration("interval", s.syncInterval))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("ledger syncer stopped")
			return
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				if errors.Is(err, repository.ErrStoreUnavailable) {
					// Хранилище недоступно: пауза и повтор на следующем
					// тике, записи остаются в очереди
					s.log.Error("store unavailable, ledger sync deferred", zap.Error(err))
					continue
				}
				s.log.Error("ledger sync pass failed", zap.Error(err))
			}
		}
	}
}

// syncOnce обрабатывает один батч очереди
func (s *Syncer) syncOnce(ctx context.Context) error {
	batch, err := s.ledgerRepo.NextBatch(ctx, s.batchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	started := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(started).Seconds())
	}()

	// Локальный dedup: ключи из applied-журнала не отправляются повторно
	keys := make([]string, 0, len(batch))
	for _, u := range batch {
		keys = append(keys, u.IdempotencyKey)
	}

	applied, err := s.ledgerRepo.AlreadyApplied(ctx, keys)
	if err != nil {
		return err
	}

	var toSend []*models.LedgerUpdate
	var skippedIDs []int64
	var skippedKeys []string
	for _, u := range batch {
		if applied[u.IdempotencyKey] {
			skippedIDs = append(skippedIDs, u.ID)
			skippedKeys = append(skippedKeys, u.IdempotencyKey)
			continue
		}
		toSend = append(toSend, u)
	}

	if len(skippedIDs) > 0 {
		if err := s.ackInTx(ctx, skippedIDs, skippedKeys); err != nil {
			return err
		}
		syncedEntries.WithLabelValues("skipped").Add(float64(len(skippedIDs)))
	}

	if len(toSend) == 0 {
		return s.metaRepo.SetTime(ctx, repository.MetaLastLedgerSyncAt, time.Now())
	}

	entries := make([]Entry, 0, len(toSend))
	ids := make([]int64, 0, len(toSend))
	for _, u := range toSend {
		entries = append(entries, Entry{
			RowKey:         u.RowKey,
			Kind:           u.Kind,
			Fields:         u.Fields,
			IdempotencyKey: u.IdempotencyKey,
		})
		ids = append(ids, u.ID)
	}

	if err := s.ledgerRepo.MarkSent(ctx, ids); err != nil {
		return err
	}

	// Весь батч ретраится целиком с экспоненциальным backoff'ом
	results, err := retry.DoWithResult(ctx, func() ([]EntryResult, error) {
		return s.client.ApplyBatch(ctx, entries)
	}, s.retryCfg)

	if err != nil {
		return s.exhaustBatch(ctx, ids, err)
	}

	return s.applyResults(ctx, toSend, results)
}

// applyResults раскладывает per-entry исходы батча по статусам
func (s *Syncer) applyResults(ctx context.Context, sent []*models.LedgerUpdate, results []EntryResult) error {
	byKey := make(map[string]EntryResult, len(results))
	for _, r := range results {
		byKey[r.IdempotencyKey] = r
	}

	var ackedIDs []int64
	var ackedKeys []string
	var failedIDs []int64

	for _, u := range sent {
		result, ok := byKey[u.IdempotencyKey]
		if !ok {
			// Remote не вернул результат для записи - считаем неуспехом
			failedIDs = append(failedIDs, u.ID)
			continue
		}

		switch result.Status {
		case EntryAck:
			ackedIDs = append(ackedIDs, u.ID)
			ackedKeys = append(ackedKeys, u.IdempotencyKey)
			syncedEntries.WithLabelValues("acked").Inc()
		case EntryDuplicate:
			// Ключ уже применялся (потерянный ack прошлой отправки) - успех
			ackedIDs = append(ackedIDs, u.ID)
			ackedKeys = append(ackedKeys, u.IdempotencyKey)
			syncedEntries.WithLabelValues("duplicate").Inc()
		default:
			s.log.Warn("ledger entry rejected",
				zap.String("row_key", u.RowKey),
				zap.String("idempotency_key", u.IdempotencyKey),
				zap.String("error", result.Error))
			failedIDs = append(failedIDs, u.ID)
			syncedEntries.WithLabelValues("failed").Inc()
		}
	}

	if len(ackedIDs) > 0 {
		if err := s.ackInTx(ctx, ackedIDs, ackedKeys); err != nil {
			return err
		}
	}

	if len(failedIDs) > 0 {
		if err := s.ledgerRepo.MarkFailed(ctx, failedIDs); err != nil {
			return err
		}
		s.notify(models.NotificationTypeLedgerFailed, models.SeverityError,
			fmt.Sprintf("%d ledger entries rejected by remote", len(failedIDs)),
			map[string]interface{}{"count": len(failedIDs)})
	}

	return s.metaRepo.SetTime(ctx, repository.MetaLastLedgerSyncAt, time.Now())
}

// exhaustBatch помечает батч FAILED после исчерпания retry и шлёт
// ровно один алерт на батч
func (s *Syncer) exhaustBatch(ctx context.Context, ids []int64, cause error) error {
	s.log.Error("ledger batch exhausted retries",
		zap.Int("entries", len(ids)),
		zap.Error(cause))

	if err := s.ledgerRepo.MarkFailed(ctx, ids); err != nil {
		return err
	}

	s.notify(models.NotificationTypeLedgerFailed, models.SeverityError,
		fmt.Sprintf("ledger batch of %d entries exhausted retries: %v", len(ids), cause),
		map[string]interface{}{"count": len(ids)})

	return nil
}

// ackInTx помечает записи ACKED и фиксирует ключи в dedup-журнале
// одной транзакцией
func (s *Syncer) ackInTx(ctx context.Context, ids []int64, keys []string) error {
	return repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
		return s.ledgerRepo.WithTx(tx).MarkAcked(ctx, ids, keys)
	})
}

// notify отправляет уведомление, не блокируясь на заполненном канале
func (s *Syncer) notify(notifType, severity, message string, meta map[string]interface{}) {
	if s.notifications == nil {
		return
	}

	select {
	case s.notifications <- &models.Notification{
		Timestamp: time.Now(),
		Type:      notifType,
		Severity:  severity,
		Message:   message,
		Meta:      meta,
	}:
	default:
		// Канал заполнен, пропускаем
	}
}
