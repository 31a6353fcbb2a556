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
)

// Reconciler - периодическая сверка TP/SL пар с биржей.
//
// Для каждой живой позиции опрашиваются обе защитные ноги:
//   - одна исполнилась → отменить вторую, закрыть позицию, ledger, алерт;
//   - обе исполнились → аномалия: закрыть запись и алертить, никакой
//     автокоррекции на бирже;
//   - статус недоступен → диагностическая отсрочка: счётчик error_cycles
//     растёт, после StuckCycles подряд - алерт RECONCILE_STUCK. Никакие
//     мутации по неизвестному состоянию не выполняются.
type Reconciler struct {
	db            *sql.DB
	positions     *repository.PositionRepository
	ledgerRepo    *repository.LedgerRepository
	metaRepo      *repository.MetaRepository
	exch          exchange.Client
	notifications chan<- *models.Notification
	log           *zap.Logger

	interval    time.Duration
	stuckCycles int
}

// ReconcilerConfig - параметры реконсилятора
type ReconcilerConfig struct {
	Interval    time.Duration
	StuckCycles int
}

// NewReconciler создает реконсилятор
func NewReconciler(
	db *sql.DB,
	exch exchange.Client,
	notifications chan<- *models.Notification,
	log *zap.Logger,
	cfg ReconcilerConfig,
) *Reconciler {
	return &Reconciler{
		db:            db,
		positions:     repository.NewPositionRepository(db),
		ledgerRepo:    repository.NewLedgerRepository(db),
		metaRepo:      repository.NewMetaRepository(db),
		exch:          exch,
		notifications: notifications,
		log:           log.Named("reconciler"),
		interval:      cfg.Interval,
		stuckCycles:   cfg.StuckCycles,
	}
}

// Run запускает цикл реконсиляции до отмены контекста
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reconciler started",
		zap.Duration("interval", r.interval),
		zap.Int("stuck_cycles", r.stuckCycles))

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			if err := r.pass(ctx); err != nil {
				r.log.Error("reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// pass выполняет один проход по всем живым позициям
func (r *Reconciler) pass(ctx context.Context) error {
	positions, err := r.positions.ListOpen(ctx)
	if err != nil {
		return err
	}

	byStatus := map[string]int{
		models.PositionStatusOpen:    0,
		models.PositionStatusClosing: 0,
	}
	for _, pos := range positions {
		byStatus[pos.Status]++
	}
	for status, count := range byStatus {
		OpenPositions.WithLabelValues(status).Set(float64(count))
	}

	for _, pos := range positions {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := r.reconcileOne(ctx, pos); err != nil {
			if errors.Is(err, repository.ErrStoreUnavailable) {
				// Хранилище лежит - остаток прохода бессмысленен
				return err
			}
			r.log.Warn("position reconcile failed",
				zap.String("symbol", pos.Symbol),
				zap.Error(err))
		}
	}

	ReconcilePasses.Inc()
	return r.metaRepo.SetTime(ctx, repository.MetaLastReconcileAt, time.Now())
}

// reconcileOne сверяет одну позицию с биржей
func (r *Reconciler) reconcileOne(ctx context.Context, pos *models.Position) error {
	// Крах между отменой sibling'а и финальным CLOSED: доделать закрытие
	if pos.Status == models.PositionStatusClosing {
		return r.finishClose(ctx, pos)
	}

	if !pos.HasProtectionPair() {
		// Незащищённая позиция: сверять нечего
		return r.positions.TouchReconciled(ctx, pos.Symbol)
	}

	tpStatus, tpErr := r.exch.GetOrderStatus(ctx, pos.TPOrderRef)
	slStatus, slErr := r.exch.GetOrderStatus(ctx, pos.SLOrderRef)

	if tpErr != nil || slErr != nil ||
		tpStatus == exchange.OrderStatusUnknown || slStatus == exchange.OrderStatusUnknown {
		return r.deferDiagnostic(ctx, pos, tpErr, slErr)
	}

	tpFilled := tpStatus == exchange.OrderStatusFilled
	slFilled := slStatus == exchange.OrderStatusFilled

	switch {
	case tpFilled && slFilled:
		return r.closeBothFilled(ctx, pos)
	case tpFilled:
		return r.closeOnFill(ctx, pos, models.CloseReasonTakeProfit, pos.SLOrderRef)
	case slFilled:
		return r.closeOnFill(ctx, pos, models.CloseReasonStopLoss, pos.TPOrderRef)
	}

	// Одна из ног отменена извне при живой второй - защита нарушена
	if tpStatus == exchange.OrderStatusCancelled || slStatus == exchange.OrderStatusCancelled {
		return r.protectionBroken(ctx, pos, tpStatus, slStatus)
	}

	// Обе ноги живы
	return r.positions.TouchReconciled(ctx, pos.Symbol)
}

// closeOnFill обрабатывает исполнение одной ноги:
// отмена sibling'а → CLOSING → CLOSED + ledger + архив
func (r *Reconciler) closeOnFill(ctx context.Context, pos *models.Position, reason, siblingRef string) error {
	err := r.positions.Transition(ctx, pos.Symbol, models.PositionStatusOpen,
		models.PositionStatusClosing, reason)
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			// Конкурентный цикл уже взял закрытие на себя
			return nil
		}
		return err
	}

	if err := r.cancelSibling(ctx, siblingRef); err != nil {
		if errors.Is(err, errSiblingFilled) {
			// Гонка: обе ноги успели исполниться
			AnomaliesDetected.Inc()
			pos.CloseReason = models.CloseReasonBothFilled
			return r.finalizeClose(ctx, pos, models.CloseReasonBothFilled)
		}
		// Позиция остаётся CLOSING, следующий проход повторит отмену
		return err
	}

	pos.CloseReason = reason
	return r.finalizeClose(ctx, pos, reason)
}

// errSiblingFilled: отмена невозможна, нога уже исполнилась
var errSiblingFilled = errors.New("sibling leg filled before cancel")

// cancelSibling отменяет вторую ногу. ErrAlreadyTerminal требует
// повторной проверки: нога могла исполниться, а не быть отменённой.
func (r *Reconciler) cancelSibling(ctx context.Context, siblingRef string) error {
	err := r.exch.CancelOrder(ctx, siblingRef)
	if err == nil {
		SiblingCancels.WithLabelValues("cancelled").Inc()
		return nil
	}

	if errors.Is(err, exchange.ErrAlreadyTerminal) {
		status, statusErr := r.exch.GetOrderStatus(ctx, siblingRef)
		if statusErr != nil {
			SiblingCancels.WithLabelValues("failed").Inc()
			return statusErr
		}
		SiblingCancels.WithLabelValues("already_terminal").Inc()
		if status == exchange.OrderStatusFilled {
			return errSiblingFilled
		}
		return nil
	}

	SiblingCancels.WithLabelValues("failed").Inc()
	return err
}

// finishClose доводит прерванное закрытие: позиция в CLOSING, причина
// уже записана, sibling мог остаться неотменённым
func (r *Reconciler) finishClose(ctx context.Context, pos *models.Position) error {
	if pos.HasProtectionPair() {
		// Причина закрытия говорит, какая нога исполнилась
		siblingRef := pos.SLOrderRef
		if pos.CloseReason == models.CloseReasonStopLoss {
			siblingRef = pos.TPOrderRef
		}

		err := r.exch.CancelOrder(ctx, siblingRef)
		if err != nil && !errors.Is(err, exchange.ErrAlreadyTerminal) {
			return err
		}
	}

	reason := pos.CloseReason
	if reason == "" {
		reason = models.CloseReasonManual
	}

	return r.finalizeClose(ctx, pos, reason)
}

// finalizeClose атомарно фиксирует закрытие: снятие защиты, CLOSED,
// ledger-записи (закрытие + архив строки), архив позиции
func (r *Reconciler) finalizeClose(ctx context.Context, pos *models.Position, reason string) error {
	if !CanTransition(models.PositionStatusClosing, models.PositionStatusClosed) {
		return fmt.Errorf("invalid transition CLOSING -> CLOSED for %s", pos.Symbol)
	}

	closeUpdate := &models.LedgerUpdate{
		RowKey: pos.RowKey,
		Kind:   models.LedgerKindCellUpdate,
		Fields: map[string]string{
			"status":       models.PositionStatusClosed,
			"close_reason": reason,
		},
		IdempotencyKey: "close:" + pos.RowKey + ":" + reason,
	}
	archiveUpdate := &models.LedgerUpdate{
		RowKey:         pos.RowKey,
		Kind:           models.LedgerKindArchive,
		Fields:         map[string]string{},
		IdempotencyKey: "archive:" + pos.RowKey,
	}

	err := repository.InTx(ctx, r.db, func(tx *sql.Tx) error {
		positions := r.positions.WithTx(tx)
		ledgerTx := r.ledgerRepo.WithTx(tx)

		if err := positions.ClearProtection(ctx, pos.Symbol); err != nil {
			return err
		}
		if err := positions.Transition(ctx, pos.Symbol, models.PositionStatusClosing,
			models.PositionStatusClosed, reason); err != nil &&
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
		if err := positions.Archive(ctx, pos.Symbol); err != nil &&
			!errors.Is(err, repository.ErrPositionNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	PositionsClosed.WithLabelValues(reason).Inc()
	r.log.Info("position closed",
		zap.String("symbol", pos.Symbol),
		zap.String("reason", reason))

	severity := models.SeverityInfo
	notifType := models.NotificationTypeClose
	if reason == models.CloseReasonBothFilled {
		severity = models.SeverityError
		notifType = models.NotificationTypeAnomaly
	}
	r.notify(&models.Notification{
		Type:     notifType,
		Severity: severity,
		Symbol:   pos.Symbol,
		Message:  fmt.Sprintf("position %s closed: %s", pos.Symbol, reason),
		Meta:     map[string]interface{}{"row_key": pos.RowKey, "entry": ledger.Money(pos.EntryPrice)},
	})

	return nil
}

// closeBothFilled фиксирует аномалию "обе ноги исполнились".
// Запись закрывается и алертится; никаких корректирующих ордеров -
// фактическую экспозицию разбирает оператор.
func (r *Reconciler) closeBothFilled(ctx context.Context, pos *models.Position) error {
	AnomaliesDetected.Inc()

	// Позиция могла уже стоять в CLOSING после прерванного закрытия
	if CanTransition(pos.Status, models.PositionStatusClosing) {
		err := r.positions.Transition(ctx, pos.Symbol, pos.Status,
			models.PositionStatusClosing, models.CloseReasonBothFilled)
		if err != nil && !errors.Is(err, repository.ErrStaleTransition) {
			return err
		}
	}

	return r.finalizeClose(ctx, pos, models.CloseReasonBothFilled)
}

// protectionBroken обрабатывает внешнюю отмену одной из ног.
// Ссылки снимаются парой (обе либо ни одной), позиция остаётся
// открытой без защиты до вмешательства оператора.
func (r *Reconciler) protectionBroken(ctx context.Context, pos *models.Position, tpStatus, slStatus exchange.OrderStatus) error {
	AnomaliesDetected.Inc()

	update := &models.LedgerUpdate{
		RowKey: pos.RowKey,
		Kind:   models.LedgerKindClearRow,
		Fields: map[string]string{
			"tp": "",
			"sl": "",
		},
		IdempotencyKey: "unprotected:" + pos.RowKey,
	}

	err := repository.InTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := r.positions.WithTx(tx).ClearProtection(ctx, pos.Symbol); err != nil {
			return err
		}
		if _, err := r.ledgerRepo.WithTx(tx).Enqueue(ctx, update); err != nil &&
			!errors.Is(err, repository.ErrDuplicateLedgerUpdate) {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.notify(&models.Notification{
		Type:     models.NotificationTypeAnomaly,
		Severity: models.SeverityWarn,
		Symbol:   pos.Symbol,
		Message: fmt.Sprintf("protection leg cancelled externally for %s (tp=%s sl=%s), position left unprotected",
			pos.Symbol, tpStatus, slStatus),
		Meta: map[string]interface{}{"row_key": pos.RowKey},
	})

	return r.positions.TouchReconciled(ctx, pos.Symbol)
}

// deferDiagnostic обрабатывает цикл без достоверного статуса ног
func (r *Reconciler) deferDiagnostic(ctx context.Context, pos *models.Position, tpErr, slErr error) error {
	cycles, err := r.positions.BumpErrorCycles(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	r.log.Warn("order status unavailable, reconcile deferred",
		zap.String("symbol", pos.Symbol),
		zap.Int("error_cycles", cycles),
		zap.NamedError("tp_error", tpErr),
		zap.NamedError("sl_error", slErr))

	// Алерт ровно на пороге, без повтора каждый последующий цикл
	if cycles == r.stuckCycles {
		r.notify(&models.Notification{
			Type:     models.NotificationTypeReconcileStuck,
			Severity: models.SeverityWarn,
			Symbol:   pos.Symbol,
			Message: fmt.Sprintf("reconciliation of %s stuck for %d cycles: order status unavailable",
				pos.Symbol, cycles),
			Meta: map[string]interface{}{"error_cycles": cycles},
		})
	}

	return nil
}

// notify отправляет уведомление, не блокируясь на заполненном канале
func (r *Reconciler) notify(n *models.Notification) {
	if r.notifications == nil {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	select {
	case r.notifications <- n:
	default:
		// Канал заполнен, пропускаем
	}
}
