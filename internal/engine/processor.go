package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tradesync/internal/exchange"
	"tradesync/internal/ledger"
	"tradesync/internal/models"
	"tradesync/internal/repository"
	"tradesync/pkg/retry"
)

// Processor - воркер durable-очереди торговых действий.
//
// Цикл: claim с lease → вызов биржи → commit результата одной
// транзакцией (терминальный статус действия + позиция + ledger-запись).
//
// Крахоустойчивость:
//   - действие с истёкшим lease переclaim'ится автоматически;
//   - перед размещением ордер ищется по client_oid: вызов биржи мог
//     успеть до краха, а локальный commit - нет. Повторной отправки
//     на биржу в этом случае не происходит;
//   - недоступность хранилища никогда не роняет действие: воркер
//     отпускает его (lease истечёт) и пробует позже.
type Processor struct {
	db            *sql.DB
	actions       *repository.ActionRepository
	positions     *repository.PositionRepository
	ledgerRepo    *repository.LedgerRepository
	exch          exchange.Client
	notifications chan<- *models.Notification
	log           *zap.Logger

	pollInterval  time.Duration
	leaseDuration time.Duration
	maxAttempts   int
	backoff       retry.Config

	storeDown bool // для алерта только на переходе доступно→недоступно
}

// ProcessorConfig - параметры воркера очереди
type ProcessorConfig struct {
	PollInterval  time.Duration
	LeaseDuration time.Duration
	MaxAttempts   int
}

// NewProcessor создает воркер очереди исполнения
func NewProcessor(
	db *sql.DB,
	exch exchange.Client,
	notifications chan<- *models.Notification,
	log *zap.Logger,
	cfg ProcessorConfig,
) *Processor {
	return &Processor{
		db:            db,
		actions:       repository.NewActionRepository(db),
		positions:     repository.NewPositionRepository(db),
		ledgerRepo:    repository.NewLedgerRepository(db),
		exch:          exch,
		notifications: notifications,
		log:           log.Named("processor"),
		pollInterval:  cfg.PollInterval,
		leaseDuration: cfg.LeaseDuration,
		maxAttempts:   cfg.MaxAttempts,
		backoff:       retry.ExchangeConfig(),
	}
}

// Run запускает цикл обработки до отмены контекста
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.log.Info("queue processor started",
		zap.Duration("poll_interval", p.pollInterval),
		zap.Duration("lease", p.leaseDuration),
		zap.Int("max_attempts", p.maxAttempts))

	for {
		select {
		case <-ctx.Done():
			p.log.Info("queue processor stopped")
			return
		case <-ticker.C:
			p.drain(ctx)
			p.reportDepth(ctx)
		}
	}
}

// drain обрабатывает все готовые действия до опустошения очереди
func (p *Processor) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		action, err := p.actions.ClaimNext(ctx, p.leaseDuration)
		if err != nil {
			p.onStoreError("claim", err)
			return
		}
		if action == nil {
			p.storeDown = false
			return
		}
		p.storeDown = false

		p.handle(ctx, action)
	}
}

// handle обрабатывает одно claimed действие
func (p *Processor) handle(ctx context.Context, action *models.PendingAction) {
	started := time.Now()
	defer func() {
		ActionDuration.WithLabelValues(action.Kind).Observe(time.Since(started).Seconds())
	}()

	log := p.log.With(
		zap.Int64("action_id", action.ID),
		zap.String("kind", action.Kind),
		zap.String("symbol", action.Symbol),
		zap.Int("attempt", action.Attempts+1),
	)

	// Lease мог истечь у медленного воркера: действие переclaim'или,
	// а первый воркер успел закоммитить DONE позже. Перед повторным
	// походом на биржу сверяемся с локальным журналом.
	completed, err := p.actions.FindDoneByIdempotencyKey(ctx, action.IdempotencyKey)
	if err != nil {
		p.onStoreError("check completed", err)
		return
	}
	if completed {
		RecordActionOutcome(action.Kind, "done")
		log.Info("action already completed by a concurrent worker")
		return
	}

	switch action.Kind {
	case models.ActionKindOpen:
		err = p.processOpen(ctx, action)
	case models.ActionKindClose:
		err = p.processClose(ctx, action)
	case models.ActionKindCancel:
		err = p.processCancel(ctx, action)
	default:
		err = &exchange.PermanentError{Op: "dispatch", Code: "unknown_kind",
			Err: fmt.Errorf("unknown action kind %q", action.Kind)}
	}

	if err == nil {
		RecordActionOutcome(action.Kind, "done")
		log.Info("action done")
		return
	}

	if errors.Is(err, repository.ErrStoreUnavailable) {
		// Действие не трогаем: lease истечёт, его переclaim'ят
		p.onStoreError("process", err)
		return
	}

	if exchange.IsPermanent(err) {
		p.failPermanent(ctx, action, err, log)
		return
	}

	// Всё остальное - transient: retry с backoff или DEAD
	p.requeueOrDead(ctx, action, err, log)
}

// failPermanent переводит действие в FAILED и алертит
func (p *Processor) failPermanent(ctx context.Context, action *models.PendingAction, cause error, log *zap.Logger) {
	if err := p.actions.CompleteFailed(ctx, action.ID, cause.Error()); err != nil {
		p.onStoreError("fail action", err)
		return
	}

	RecordActionOutcome(action.Kind, "failed")
	log.Error("action failed permanently", zap.Error(cause))

	p.notify(&models.Notification{
		Type:     models.NotificationTypeFailedAction,
		Severity: models.SeverityError,
		Symbol:   action.Symbol,
		Message:  fmt.Sprintf("%s %s failed permanently: %v", action.Kind, action.Symbol, cause),
		Meta:     map[string]interface{}{"action_id": action.ID},
	})
}

// requeueOrDead возвращает действие в очередь с backoff'ом либо,
// если потолок попыток исчерпан, переводит в DEAD с одним алертом
func (p *Processor) requeueOrDead(ctx context.Context, action *models.PendingAction, cause error, log *zap.Logger) {
	if action.Attempts+1 >= p.maxAttempts {
		if err := p.actions.MarkDead(ctx, action.ID, cause.Error()); err != nil {
			p.onStoreError("mark dead", err)
			return
		}

		RecordActionOutcome(action.Kind, "dead")
		log.Error("action exhausted attempts, marked dead", zap.Error(cause))

		p.notify(&models.Notification{
			Type:     models.NotificationTypeDeadAction,
			Severity: models.SeverityError,
			Symbol:   action.Symbol,
			Message: fmt.Sprintf("%s %s dead after %d attempts: %v",
				action.Kind, action.Symbol, action.Attempts+1, cause),
			Meta: map[string]interface{}{"action_id": action.ID},
		})
		return
	}

	// Backoff не спит в памяти: момент следующей попытки пишется
	// в not_before, очередь остаётся durable
	notBefore := time.Now().Add(p.backoff.DelayFor(action.Attempts))
	if err := p.actions.RequeueTransient(ctx, action.ID, cause.Error(), notBefore); err != nil {
		p.onStoreError("requeue action", err)
		return
	}

	RecordActionOutcome(action.Kind, "requeued")
	log.Warn("action requeued after transient error",
		zap.Time("not_before", notBefore),
		zap.Error(cause))
}

// ============================================================
// Обработчики по типам действий
// ============================================================

// processOpen открывает позицию: entry-ордер с TP/SL ногами
func (p *Processor) processOpen(ctx context.Context, action *models.PendingAction) error {
	// Ордер мог быть размещён до краха предыдущего воркера
	result, err := p.exch.FindOrderByClientID(ctx, action.IdempotencyKey)
	if err != nil {
		RecordExchangeCall("find_order", outcomeOf(err))
		return err
	}

	if result == nil {
		result, err = p.exch.PlaceOrder(ctx, &exchange.OrderRequest{
			Symbol:        action.Symbol,
			Side:          action.Side,
			Quantity:      action.Quantity,
			Price:         action.EntryPrice,
			TakeProfit:    action.TakeProfit,
			StopLoss:      action.StopLoss,
			ClientOrderID: action.IdempotencyKey,
		})
		if err != nil {
			RecordExchangeCall("place_order", outcomeOf(err))
			return err
		}
		RecordExchangeCall("place_order", "ok")
	} else {
		p.log.Info("order already placed, skipping submission",
			zap.Int64("action_id", action.ID),
			zap.String("order_ref", result.OrderRef))
	}

	tpRef, slRef := result.TPOrderRef, result.SLOrderRef
	if (tpRef == "") != (slRef == "") {
		// Биржа вернула только одну ногу - парность нарушена.
		// Ссылки не сохраняем (обе либо ни одной), позиция остаётся
		// незащищённой до вмешательства оператора.
		p.notify(&models.Notification{
			Type:     models.NotificationTypeAnomaly,
			Severity: models.SeverityWarn,
			Symbol:   action.Symbol,
			Message:  fmt.Sprintf("exchange returned unpaired protection legs for %s (tp=%q sl=%q)", action.Symbol, tpRef, slRef),
			Meta:     map[string]interface{}{"action_id": action.ID},
		})
		tpRef, slRef = "", ""
	}

	entryPrice := action.EntryPrice
	if result.AvgFillPrice > 0 {
		entryPrice = result.AvgFillPrice
	}

	rowKey := rowKeyFor(action)
	position := &models.Position{
		Symbol:        action.Symbol,
		EntryPrice:    entryPrice,
		Quantity:      action.Quantity,
		EntryOrderRef: result.OrderRef,
		TPOrderRef:    tpRef,
		SLOrderRef:    slRef,
		TakeProfit:    action.TakeProfit,
		StopLoss:      action.StopLoss,
		Status:        models.PositionStatusOpen,
		RowKey:        rowKey,
	}

	update := &models.LedgerUpdate{
		RowKey: rowKey,
		Kind:   models.LedgerKindCellUpdate,
		Fields: map[string]string{
			"symbol": action.Symbol,
			"side":   action.Side,
			"entry":  ledger.Money(entryPrice),
			"qty":    ledger.Money(action.Quantity),
			"tp":     ledger.Money(action.TakeProfit),
			"sl":     ledger.Money(action.StopLoss),
			"status": models.PositionStatusOpen,
		},
		IdempotencyKey: "open:" + action.IdempotencyKey,
	}

	// Позиция, ledger-запись и DONE коммитятся атомарно: либо всё,
	// либо действие переclaim'ится и идемпотентность отсеет дубль
	return repository.InTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := p.positions.WithTx(tx).Upsert(ctx, position); err != nil {
			return err
		}
		if _, err := p.ledgerRepo.WithTx(tx).Enqueue(ctx, update); err != nil &&
			!errors.Is(err, repository.ErrDuplicateLedgerUpdate) {
			return err
		}
		return p.actions.WithTx(tx).CompleteDone(ctx, action.ID)
	})
}

// processClose закрывает позицию рыночным ордером и отменяет защиту
func (p *Processor) processClose(ctx context.Context, action *models.PendingAction) error {
	pos, err := p.positions.GetBySymbol(ctx, action.Symbol)
	if err != nil {
		if errors.Is(err, repository.ErrPositionNotFound) {
			// Позиции нет - закрывать нечего, действие идемпотентно DONE
			p.log.Info("close requested for unknown position",
				zap.Int64("action_id", action.ID),
				zap.String("symbol", action.Symbol))
			return p.actions.CompleteDone(ctx, action.ID)
		}
		return err
	}

	// Сначала снимаем защиту: TP/SL не должны исполниться после
	// рыночного закрытия. Терминальное состояние ноги - не ошибка.
	if pos.HasProtectionPair() {
		if err := p.cancelLeg(ctx, pos.TPOrderRef); err != nil {
			return err
		}
		if err := p.cancelLeg(ctx, pos.SLOrderRef); err != nil {
			return err
		}
	}

	result, err := p.exch.FindOrderByClientID(ctx, action.IdempotencyKey)
	if err != nil {
		RecordExchangeCall("find_order", outcomeOf(err))
		return err
	}

	if result == nil {
		quantity := action.Quantity
		if quantity <= 0 {
			quantity = pos.Quantity
		}

		result, err = p.exch.PlaceOrder(ctx, &exchange.OrderRequest{
			Symbol:        action.Symbol,
			Side:          action.Side,
			Quantity:      quantity,
			ClientOrderID: action.IdempotencyKey,
		})
		if err != nil {
			RecordExchangeCall("place_order", outcomeOf(err))
			return err
		}
		RecordExchangeCall("place_order", "ok")
	}

	closeUpdate := &models.LedgerUpdate{
		RowKey: pos.RowKey,
		Kind:   models.LedgerKindCellUpdate,
		Fields: map[string]string{
			"status":       models.PositionStatusClosed,
			"close_reason": models.CloseReasonManual,
			"close_price":  ledger.Money(result.AvgFillPrice),
		},
		IdempotencyKey: "close:" + pos.RowKey + ":" + models.CloseReasonManual,
	}
	archiveUpdate := &models.LedgerUpdate{
		RowKey:         pos.RowKey,
		Kind:           models.LedgerKindArchive,
		Fields:         map[string]string{},
		IdempotencyKey: "archive:" + pos.RowKey,
	}

	err = repository.InTx(ctx, p.db, func(tx *sql.Tx) error {
		positions := p.positions.WithTx(tx)
		ledgerTx := p.ledgerRepo.WithTx(tx)

		if err := positions.ClearProtection(ctx, action.Symbol); err != nil {
			return err
		}
		// Статус-машина не допускает пропуска CLOSING: сначала OPEN →
		// CLOSING (если позиция ещё OPEN), затем CLOSING → CLOSED.
		// Устаревший переход - конкурент уже продвинул позицию, не ошибка.
		if CanTransition(pos.Status, models.PositionStatusClosing) {
			if err := positions.Transition(ctx, action.Symbol, pos.Status,
				models.PositionStatusClosing, models.CloseReasonManual); err != nil &&
				!errors.Is(err, repository.ErrStaleTransition) {
				return err
			}
		}
		if err := positions.Transition(ctx, action.Symbol, models.PositionStatusClosing,
			models.PositionStatusClosed, models.CloseReasonManual); err != nil &&
			!errors.Is(err, repository.ErrStaleTransition) {
			return err
		}
		if _, err := ledgerTx.Enqueue(ctx, closeUpdate); err != nil &&
			!errors.Is(err, repository.ErrDuplicateLedgerUpdate) {
			return err
		}
		if _, err := ledgerTx.Enqueue(ctx, archiveUpdate); err != nil &&
			!errors.Is(err, repository.ErrDuplicateLedgerUpdate) {
			return err
		}
		if err := positions.Archive(ctx, action.Symbol); err != nil &&
			!errors.Is(err, repository.ErrPositionNotFound) {
			return err
		}
		return p.actions.WithTx(tx).CompleteDone(ctx, action.ID)
	})
	if err != nil {
		return err
	}

	PositionsClosed.WithLabelValues(models.CloseReasonManual).Inc()
	p.notify(&models.Notification{
		Type:     models.NotificationTypeClose,
		Severity: models.SeverityInfo,
		Symbol:   action.Symbol,
		Message:  fmt.Sprintf("position %s closed manually at %s", action.Symbol, ledger.Money(result.AvgFillPrice)),
	})

	return nil
}

// processCancel снимает TP/SL защиту позиции, не закрывая её
func (p *Processor) processCancel(ctx context.Context, action *models.PendingAction) error {
	pos, err := p.positions.GetBySymbol(ctx, action.Symbol)
	if err != nil {
		if errors.Is(err, repository.ErrPositionNotFound) {
			return p.actions.CompleteDone(ctx, action.ID)
		}
		return err
	}

	if !pos.HasProtectionPair() {
		return p.actions.CompleteDone(ctx, action.ID)
	}

	if err := p.cancelLeg(ctx, pos.TPOrderRef); err != nil {
		return err
	}
	if err := p.cancelLeg(ctx, pos.SLOrderRef); err != nil {
		return err
	}

	update := &models.LedgerUpdate{
		RowKey: pos.RowKey,
		Kind:   models.LedgerKindClearRow,
		Fields: map[string]string{
			"tp": "",
			"sl": "",
		},
		IdempotencyKey: "cancel:" + action.IdempotencyKey,
	}

	return repository.InTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := p.positions.WithTx(tx).ClearProtection(ctx, action.Symbol); err != nil {
			return err
		}
		if _, err := p.ledgerRepo.WithTx(tx).Enqueue(ctx, update); err != nil &&
			!errors.Is(err, repository.ErrDuplicateLedgerUpdate) {
			return err
		}
		return p.actions.WithTx(tx).CompleteDone(ctx, action.ID)
	})
}

// cancelLeg отменяет одну защитную ногу; терминальное состояние - успех
func (p *Processor) cancelLeg(ctx context.Context, orderRef string) error {
	if orderRef == "" {
		return nil
	}

	err := p.exch.CancelOrder(ctx, orderRef)
	if err != nil && !errors.Is(err, exchange.ErrAlreadyTerminal) {
		RecordExchangeCall("cancel_order", outcomeOf(err))
		return err
	}

	RecordExchangeCall("cancel_order", "ok")
	return nil
}

// ============================================================
// Вспомогательные
// ============================================================

// rowKeyFor строит ключ строки внешнего ledger для новой позиции.
// ID действия делает ключ стабильным между повторными попытками
// и уникальным между последовательными сделками одного символа.
func rowKeyFor(action *models.PendingAction) string {
	return fmt.Sprintf("%s#%d", action.Symbol, action.ID)
}

// outcomeOf классифицирует ошибку биржи для метрик
func outcomeOf(err error) string {
	if exchange.IsPermanent(err) {
		return "permanent"
	}
	return "transient"
}

// reportDepth обновляет gauge глубины очереди
func (p *Processor) reportDepth(ctx context.Context) {
	counts, err := p.actions.CountByStatus(ctx)
	if err != nil {
		return
	}
	UpdateQueueDepth(counts)
}

// onStoreError логирует недоступность хранилища и алертит один раз
// на каждый переход доступно→недоступно
func (p *Processor) onStoreError(op string, err error) {
	p.log.Error("store operation failed", zap.String("op", op), zap.Error(err))

	if errors.Is(err, repository.ErrStoreUnavailable) && !p.storeDown {
		p.storeDown = true
		p.notify(&models.Notification{
			Type:     models.NotificationTypeStore,
			Severity: models.SeverityError,
			Message:  fmt.Sprintf("durable store unavailable: %v", err),
		})
	}
}

// notify отправляет уведомление, не блокируясь на заполненном канале
func (p *Processor) notify(n *models.Notification) {
	if p.notifications == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	select {
	case p.notifications <- n:
	default:
		// Канал заполнен, пропускаем
	}
}
