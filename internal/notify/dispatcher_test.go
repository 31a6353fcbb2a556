package notify

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"

	"tradesync/internal/models"
)

func newDispatcherForTest(t *testing.T) (*Dispatcher, sqlmock.Sqlmock, chan *models.Notification) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	notifications := make(chan *models.Notification, 8)
	d, err := NewDispatcher(db, notifications, zap.NewNop(), Config{}) // Telegram отключён
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	return d, mock, notifications
}

func TestDispatchJournalsNotification(t *testing.T) {
	d, mock, _ := newDispatcherForTest(t)

	mock.ExpectQuery("INSERT INTO notifications").
		WithArgs(models.NotificationTypeClose, models.SeverityInfo, "BTC_USDT",
			"position BTC_USDT closed: tp_filled", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "timestamp"}).AddRow(int64(1), time.Now()))

	d.dispatch(context.Background(), &models.Notification{
		Type:     models.NotificationTypeClose,
		Severity: models.SeverityInfo,
		Symbol:   "BTC_USDT",
		Message:  "position BTC_USDT closed: tp_filled",
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDispatchSurvivesJournalFailure(t *testing.T) {
	// Журнал лежит - диспетчер не паникует и не падает
	d, mock, _ := newDispatcherForTest(t)

	mock.ExpectQuery("INSERT INTO notifications").
		WillReturnError(context.DeadlineExceeded)

	d.dispatch(context.Background(), &models.Notification{
		Type:     models.NotificationTypeStore,
		Severity: models.SeverityError,
		Message:  "durable store unavailable",
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRunConsumesUntilCancelled(t *testing.T) {
	d, mock, notifications := newDispatcherForTest(t)

	mock.ExpectQuery("INSERT INTO notifications").
		WillReturnRows(sqlmock.NewRows([]string{"id", "timestamp"}).AddRow(int64(1), time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	notifications <- &models.Notification{
		Type:     models.NotificationTypeClose,
		Severity: models.SeverityInfo,
		Symbol:   "BTC_USDT",
		Message:  "closed",
	}

	// Дать диспетчеру обработать сообщение до остановки
	deadline := time.After(2 * time.Second)
	for {
		if err := mock.ExpectationsWereMet(); err == nil {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("notification was not consumed in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on cancel")
	}
}
