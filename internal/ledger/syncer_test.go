package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"tradesync/internal/models"
	"tradesync/pkg/retry"
)

// fakeBatchClient - подменный remote ledger для тестов синхронизации
type fakeBatchClient struct {
	applyFn func(ctx context.Context, entries []Entry) ([]EntryResult, error)
	calls   int
}

func (f *fakeBatchClient) ApplyBatch(ctx context.Context, entries []Entry) ([]EntryResult, error) {
	f.calls++
	return f.applyFn(ctx, entries)
}

func newSyncerForTest(t *testing.T, client BatchClient) (*Syncer, sqlmock.Sqlmock, chan *models.Notification) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	notifications := make(chan *models.Notification, 8)
	s := NewSyncer(db, client, notifications, zap.NewNop(), SyncerConfig{
		BatchSize:    20,
		SyncInterval: time.Minute,
		MaxRetries:   1, // без пауз между попытками в тестах
	})

	return s, mock, notifications
}

func ledgerRows(ids ...int64) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "row_key", "kind", "fields", "idempotency_key", "status", "retries", "created_at", "sent_at",
	})
	for _, id := range ids {
		rows.AddRow(id, "BTC_USDT#1", models.LedgerKindCellUpdate, `{"status":"OPEN"}`,
			keyFor(id), models.LedgerStatusPending, 0, time.Now(), nil)
	}
	return rows
}

func keyFor(id int64) string {
	return map[int64]string{1: "open:intent-1", 2: "close:BTC_USDT#1:tp_filled"}[id]
}

func takeNotification(ch chan *models.Notification) *models.Notification {
	select {
	case n := <-ch:
		return n
	default:
		return nil
	}
}

func TestSyncOnceAcksAppliedBatch(t *testing.T) {
	client := &fakeBatchClient{
		applyFn: func(ctx context.Context, entries []Entry) ([]EntryResult, error) {
			if len(entries) != 2 {
				t.Fatalf("expected 2 entries, got %d", len(entries))
			}
			return []EntryResult{
				{IdempotencyKey: "open:intent-1", Status: EntryAck},
				{IdempotencyKey: "close:BTC_USDT#1:tp_filled", Status: EntryDuplicate},
			}, nil
		},
	}
	s, mock, notifications := newSyncerForTest(t, client)

	mock.ExpectQuery("SELECT (.+) FROM ledger_updates").
		WillReturnRows(ledgerRows(1, 2))
	mock.ExpectQuery("SELECT idempotency_key FROM ledger_applied").
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key"})) // журнал пуст
	mock.ExpectExec("UPDATE ledger_updates").
		WithArgs(models.LedgerStatusSent, pq.Array([]int64{1, 2})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	// ack + dedup-журнал одной транзакцией
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledger_updates").
		WithArgs(models.LedgerStatusAcked, pq.Array([]int64{1, 2})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO ledger_applied").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO meta").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.syncOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if n := takeNotification(notifications); n != nil {
		t.Errorf("successful batch must not alert, got %s", n.Type)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSyncOnceSkipsLocallyAppliedKeys(t *testing.T) {
	client := &fakeBatchClient{
		applyFn: func(ctx context.Context, entries []Entry) ([]EntryResult, error) {
			t.Fatal("fully deduplicated batch must not reach the remote")
			return nil, nil
		},
	}
	s, mock, _ := newSyncerForTest(t, client)

	mock.ExpectQuery("SELECT (.+) FROM ledger_updates").
		WillReturnRows(ledgerRows(1))
	mock.ExpectQuery("SELECT idempotency_key FROM ledger_applied").
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key"}).AddRow("open:intent-1"))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledger_updates").
		WithArgs(models.LedgerStatusAcked, pq.Array([]int64{1})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_applied").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("INSERT INTO meta").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.syncOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.calls != 0 {
		t.Errorf("remote called %d times for deduplicated batch", client.calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSyncOnceEmptyQueueIsNoop(t *testing.T) {
	client := &fakeBatchClient{
		applyFn: func(ctx context.Context, entries []Entry) ([]EntryResult, error) {
			t.Fatal("empty queue must not reach the remote")
			return nil, nil
		},
	}
	s, mock, _ := newSyncerForTest(t, client)

	mock.ExpectQuery("SELECT (.+) FROM ledger_updates").
		WillReturnRows(ledgerRows())

	if err := s.syncOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSyncOnceExhaustedBatchFailsWithOneAlert(t *testing.T) {
	client := &fakeBatchClient{
		applyFn: func(ctx context.Context, entries []Entry) ([]EntryResult, error) {
			return nil, retry.Temporary(errors.New("remote down"))
		},
	}
	s, mock, notifications := newSyncerForTest(t, client)

	mock.ExpectQuery("SELECT (.+) FROM ledger_updates").
		WillReturnRows(ledgerRows(1, 2))
	mock.ExpectQuery("SELECT idempotency_key FROM ledger_applied").
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key"}))
	mock.ExpectExec("UPDATE ledger_updates").
		WithArgs(models.LedgerStatusSent, pq.Array([]int64{1, 2})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE ledger_updates").
		WithArgs(models.LedgerStatusFailed, pq.Array([]int64{1, 2})).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if err := s.syncOnce(context.Background()); err != nil {
		t.Fatalf("exhausted batch is handled, not returned: %v", err)
	}

	n := takeNotification(notifications)
	if n == nil || n.Type != models.NotificationTypeLedgerFailed {
		t.Fatalf("expected LEDGER_FAILED notification, got %+v", n)
	}
	if second := takeNotification(notifications); second != nil {
		t.Errorf("exactly one alert per exhausted batch, got extra %s", second.Type)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSyncOncePermanentErrorStopsRetrying(t *testing.T) {
	client := &fakeBatchClient{
		applyFn: func(ctx context.Context, entries []Entry) ([]EntryResult, error) {
			return nil, retry.Permanent(errors.New("unauthorized"))
		},
	}
	s, mock, notifications := newSyncerForTest(t, client)
	s.retryCfg.MaxRetries = 5 // permanent должен остановить раньше потолка

	mock.ExpectQuery("SELECT (.+) FROM ledger_updates").
		WillReturnRows(ledgerRows(1))
	mock.ExpectQuery("SELECT idempotency_key FROM ledger_applied").
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key"}))
	mock.ExpectExec("UPDATE ledger_updates").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ledger_updates").
		WithArgs(models.LedgerStatusFailed, pq.Array([]int64{1})).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.syncOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if client.calls != 1 {
		t.Errorf("permanent error must stop after the first attempt, got %d calls", client.calls)
	}
	if n := takeNotification(notifications); n == nil {
		t.Error("exhausted batch must alert")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestApplyResultsRejectedEntryMarkedFailed(t *testing.T) {
	client := &fakeBatchClient{
		applyFn: func(ctx context.Context, entries []Entry) ([]EntryResult, error) {
			return []EntryResult{
				{IdempotencyKey: "open:intent-1", Status: EntryAck},
				{IdempotencyKey: "close:BTC_USDT#1:tp_filled", Status: EntryError, Error: "row locked"},
			}, nil
		},
	}
	s, mock, notifications := newSyncerForTest(t, client)

	mock.ExpectQuery("SELECT (.+) FROM ledger_updates").
		WillReturnRows(ledgerRows(1, 2))
	mock.ExpectQuery("SELECT idempotency_key FROM ledger_applied").
		WillReturnRows(sqlmock.NewRows([]string{"idempotency_key"}))
	mock.ExpectExec("UPDATE ledger_updates").
		WithArgs(models.LedgerStatusSent, pq.Array([]int64{1, 2})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE ledger_updates").
		WithArgs(models.LedgerStatusAcked, pq.Array([]int64{1})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO ledger_applied").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE ledger_updates").
		WithArgs(models.LedgerStatusFailed, pq.Array([]int64{2})).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO meta").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.syncOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n := takeNotification(notifications)
	if n == nil || n.Type != models.NotificationTypeLedgerFailed {
		t.Fatalf("rejected entries must alert, got %+v", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRecoverReturnsInFlightAndFailedToPending(t *testing.T) {
	s, mock, _ := newSyncerForTest(t, &fakeBatchClient{})

	mock.ExpectExec("UPDATE ledger_updates").
		WithArgs(models.LedgerStatusPending, models.LedgerStatusSent).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE ledger_updates").
		WithArgs(models.LedgerStatusPending, models.LedgerStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Recover(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
