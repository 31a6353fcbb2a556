package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

// newTestClient создает клиент, направленный на тестовый сервер
func newTestClient(serverURL string) *RESTClient {
	return NewRESTClient(RESTConfig{
		BaseURL:   serverURL,
		APIKey:    "test-key",
		APISecret: "test-secret",
		RateLimit: 1000, // без троттлинга в тестах
		RateBurst: 1000,
	})
}

func TestPlaceOrderSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/private/create-order" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}

		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("malformed request: %v", err)
		}
		if req.Sig == "" {
			t.Error("request must be signed")
		}
		if req.Params["client_oid"] != "intent-1" {
			t.Errorf("client_oid not passed: %v", req.Params["client_oid"])
		}
		if req.Params["take_profit_price"] == nil || req.Params["stop_loss_price"] == nil {
			t.Error("protection prices not passed")
		}

		w.Write([]byte(`{
			"code": 0,
			"result": {
				"order_id": "ord-100",
				"tp_order_id": "tp-100",
				"sl_order_id": "sl-100",
				"status": "ACTIVE",
				"avg_price": 64100.5,
				"cumulative_quantity": 0.5,
				"create_time": 1756600000000
			}
		}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result, err := client.PlaceOrder(context.Background(), &OrderRequest{
		Symbol:        "BTC_USDT",
		Side:          "buy",
		Quantity:      0.5,
		Price:         64000,
		TakeProfit:    66000,
		StopLoss:      63000,
		ClientOrderID: "intent-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.OrderRef != "ord-100" {
		t.Errorf("expected ord-100, got %s", result.OrderRef)
	}
	if result.TPOrderRef != "tp-100" || result.SLOrderRef != "sl-100" {
		t.Errorf("protection refs not decoded: tp=%s sl=%s", result.TPOrderRef, result.SLOrderRef)
	}
	if result.Status != OrderStatusOpen {
		t.Errorf("expected OPEN, got %s", result.Status)
	}
}

func TestPlaceOrderServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.PlaceOrder(context.Background(), &OrderRequest{
		Symbol: "BTC_USDT", Side: "buy", Quantity: 0.5, ClientOrderID: "intent-1",
	})

	if !IsTransient(err) {
		t.Errorf("5xx must be transient, got %v", err)
	}
}

func TestPlaceOrderBusinessCodeIsPermanent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code": 20002, "message": "insufficient balance"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.PlaceOrder(context.Background(), &OrderRequest{
		Symbol: "BTC_USDT", Side: "buy", Quantity: 0.5, ClientOrderID: "intent-1",
	})

	if !IsPermanent(err) {
		t.Errorf("known business code must be permanent, got %v", err)
	}
	if IsTransient(err) {
		t.Error("permanent error must not be transient")
	}
}

func TestPlaceOrderUnknownCodeIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code": 99999, "message": "internal"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.PlaceOrder(context.Background(), &OrderRequest{
		Symbol: "BTC_USDT", Side: "buy", Quantity: 0.5, ClientOrderID: "intent-1",
	})

	if !IsTransient(err) {
		t.Errorf("unknown code must default to transient, got %v", err)
	}
}

func TestCancelOrderAlreadyTerminal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code": 20504, "message": "order already filled"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.CancelOrder(context.Background(), "ord-100")

	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestFindOrderByClientIDNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code": 10004, "message": "order not found"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	result, err := client.FindOrderByClientID(context.Background(), "unknown-intent")

	if err != nil {
		t.Fatalf("not found must not be an error, got %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result, got %+v", result)
	}
}

func TestGetOrderStatusNormalization(t *testing.T) {
	tests := []struct {
		raw      string
		expected OrderStatus
	}{
		{raw: "ACTIVE", expected: OrderStatusOpen},
		{raw: "PARTIALLY_FILLED", expected: OrderStatusOpen},
		{raw: "FILLED", expected: OrderStatusFilled},
		{raw: "CANCELED", expected: OrderStatusCancelled},
		{raw: "REJECTED", expected: OrderStatusCancelled},
		{raw: "SOMETHING_NEW", expected: OrderStatusUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"code": 0, "result": {"order_id": "ord-1", "status": "` + tt.raw + `"}}`))
			}))
			defer server.Close()

			client := newTestClient(server.URL)
			status, err := client.GetOrderStatus(context.Background(), "ord-1")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, status)
			}
		})
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	if !OrderStatusFilled.IsTerminal() || !OrderStatusCancelled.IsTerminal() {
		t.Error("FILLED and CANCELLED are terminal")
	}
	if OrderStatusOpen.IsTerminal() || OrderStatusUnknown.IsTerminal() {
		t.Error("OPEN and UNKNOWN are not terminal")
	}
}
