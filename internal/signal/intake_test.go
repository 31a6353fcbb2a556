package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tradesync/internal/models"
)

func validIntent() *models.TradeIntent {
	return &models.TradeIntent{
		Key:        "intent-1",
		Symbol:     "BTC_USDT",
		Side:       models.SideBuy,
		Quantity:   0.5,
		Entry:      64000,
		TakeProfit: 66000,
		StopLoss:   63000,
	}
}

func TestValidateIntent(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(i *models.TradeIntent)
		wantErr bool
	}{
		{name: "valid", mutate: func(i *models.TradeIntent) {}, wantErr: false},
		{name: "valid without protection", mutate: func(i *models.TradeIntent) {
			i.TakeProfit = 0
			i.StopLoss = 0
		}, wantErr: false},
		{name: "missing key", mutate: func(i *models.TradeIntent) { i.Key = "" }, wantErr: true},
		{name: "missing symbol", mutate: func(i *models.TradeIntent) { i.Symbol = "" }, wantErr: true},
		{name: "bad side", mutate: func(i *models.TradeIntent) { i.Side = "hold" }, wantErr: true},
		{name: "zero quantity", mutate: func(i *models.TradeIntent) { i.Quantity = 0 }, wantErr: true},
		{name: "negative quantity", mutate: func(i *models.TradeIntent) { i.Quantity = -1 }, wantErr: true},
		{name: "negative take profit", mutate: func(i *models.TradeIntent) { i.TakeProfit = -1 }, wantErr: true},
		{name: "tp without sl", mutate: func(i *models.TradeIntent) { i.StopLoss = 0 }, wantErr: true},
		{name: "sl without tp", mutate: func(i *models.TradeIntent) { i.TakeProfit = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := validIntent()
			tt.mutate(intent)

			err := validateIntent(intent)
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func newIntakeForTest(t *testing.T) (*Intake, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewIntake(db, zap.NewNop(), Config{
		FeedURL:        "ws://feed.local/intents",
		ReconnectDelay: time.Second,
		ReadTimeout:    30 * time.Second,
	}), mock
}

func TestHandleMessageEnqueuesIntent(t *testing.T) {
	intake, mock := newIntakeForTest(t)

	mock.ExpectQuery("INSERT INTO pending_actions").
		WithArgs(models.ActionKindOpen, "BTC_USDT", models.SideBuy, 0.5, 64000.0,
			66000.0, 63000.0, models.ActionStatusQueued, "intent-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))

	payload := []byte(`{
		"key": "intent-1",
		"symbol": "BTC_USDT",
		"side": "buy",
		"qty": 0.5,
		"entry": 64000,
		"tp": 66000,
		"sl": 63000
	}`)

	intake.handleMessage(context.Background(), payload)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestHandleMessageRedeliveryIsSilent(t *testing.T) {
	intake, mock := newIntakeForTest(t)

	// Пустой результат RETURNING = конфликт по ключу идемпотентности
	mock.ExpectQuery("INSERT INTO pending_actions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	payload := []byte(`{
		"key": "intent-1",
		"symbol": "BTC_USDT",
		"side": "buy",
		"qty": 0.5,
		"tp": 66000,
		"sl": 63000
	}`)

	intake.handleMessage(context.Background(), payload)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

// Сервер разрывает каждое соединение сразу после handshake: consume
// возвращается с ошибкой чтения, как при обрыве фида
func TestConsumeReconnectsWithoutLeakingGoroutines(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer server.Close()

	intake, _ := newIntakeForTest(t)
	intake.feedURL = "ws" + strings.TrimPrefix(server.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Прогрев: первое соединение поднимает служебные горутины http-стека
	_ = intake.consume(ctx)

	runtime.GC()
	time.Sleep(50 * time.Millisecond)
	before := runtime.NumGoroutine()

	for n := 0; n < 50; n++ {
		_ = intake.consume(ctx)
	}

	time.Sleep(100 * time.Millisecond)
	runtime.GC()
	after := runtime.NumGoroutine()

	// Наблюдатель отмены контекста должен завершаться вместе с consume;
	// небольшой допуск на фоновые горутины стека
	if after > before+5 {
		t.Errorf("goroutines grew from %d to %d across reconnects", before, after)
	}
}

func TestHandleMessageDropsMalformedPayload(t *testing.T) {
	intake, mock := newIntakeForTest(t)

	// Никаких обращений к очереди
	intake.handleMessage(context.Background(), []byte(`{not json`))
	intake.handleMessage(context.Background(), []byte(`{"symbol": "BTC_USDT"}`))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
