package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"tradesync/pkg/ratelimit"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Методы remote API (JSON-RPC-подобный протокол биржи)
const (
	methodCreateOrder      = "private/create-order"
	methodCancelOrder      = "private/cancel-order"
	methodGetOrderDetail   = "private/get-order-detail"
	methodGetOrderByClient = "private/get-order-by-client-id"
)

// Коды ответов биржи, означающие permanent-отказ.
// Остальные ненулевые коды трактуются как transient.
var permanentCodes = map[int]string{
	10004: "invalid parameters",
	20001: "unknown symbol",
	20002: "insufficient balance",
	20003: "order size below minimum",
	20010: "trading suspended for symbol",
}

// Код "ордер уже в терминальном состоянии" для cancel-запросов
const codeAlreadyTerminal = 20504

// RESTClient реализует интерфейс Client поверх подписанного REST API
type RESTClient struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
}

// RESTConfig - параметры REST-клиента биржи
type RESTConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	Timeout    time.Duration
	RateLimit  float64
	RateBurst  float64
	HTTPClient *http.Client // nil = пул по умолчанию
}

// NewRESTClient создает клиент биржи
func NewRESTClient(cfg RESTConfig) *RESTClient {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		hc := DefaultHTTPClientConfig()
		if cfg.Timeout > 0 {
			hc.TotalTimeout = cfg.Timeout
		}
		httpClient = NewHTTPClient(hc)
	}

	return &RESTClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		httpClient: httpClient,
		limiter:    ratelimit.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}
}

// apiRequest - конверт подписанного запроса
type apiRequest struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
	APIKey string                 `json:"api_key"`
	Nonce  int64                  `json:"nonce"`
	Sig    string                 `json:"sig"`
}

// apiResponse - конверт ответа биржи
type apiResponse struct {
	Code    int                 `json:"code"`
	Message string              `json:"message"`
	Result  jsoniter.RawMessage `json:"result"`
}

// orderPayload - представление ордера в ответах биржи
type orderPayload struct {
	OrderID       string  `json:"order_id"`
	TPOrderID     string  `json:"tp_order_id"`
	SLOrderID     string  `json:"sl_order_id"`
	Status        string  `json:"status"`
	AvgPrice      float64 `json:"avg_price"`
	CumulativeQty float64 `json:"cumulative_quantity"`
	CreateTime    int64   `json:"create_time"`
}

// sign подписывает запрос HMAC-SHA256 по канонической строке
// method + сортированные params + api_key + nonce
func (c *RESTClient) sign(method string, params map[string]interface{}, nonce int64) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload bytes.Buffer
	payload.WriteString(method)
	for _, k := range keys {
		payload.WriteString(k)
		payload.WriteString(fmt.Sprint(params[k]))
	}
	payload.WriteString(c.apiKey)
	payload.WriteString(strconv.FormatInt(nonce, 10))

	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write(payload.Bytes())
	return hex.EncodeToString(h.Sum(nil))
}

// call выполняет подписанный вызов API с классификацией ошибок.
// Сетевые ошибки, таймауты, 429 и 5xx → TransientError;
// известные бизнес-коды → PermanentError.
func (c *RESTClient) call(ctx context.Context, method string, params map[string]interface{}) (jsoniter.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &TransientError{Op: method, Err: err}
	}

	nonce := time.Now().UnixMilli()
	reqBody := apiRequest{
		Method: method,
		Params: params,
		APIKey: c.apiKey,
		Nonce:  nonce,
		Sig:    c.sign(method, params, nonce),
	}

	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &PermanentError{Op: method, Code: "encode", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(encoded))
	if err != nil {
		return nil, &PermanentError{Op: method, Code: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Op: method, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Op: method, Err: err}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &TransientError{Op: method, Err: fmt.Errorf("http %d: %s", resp.StatusCode, body)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &PermanentError{
			Op:   method,
			Code: strconv.Itoa(resp.StatusCode),
			Err:  fmt.Errorf("http %d: %s", resp.StatusCode, body),
		}
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &TransientError{Op: method, Err: fmt.Errorf("malformed response: %w", err)}
	}

	if envelope.Code != 0 {
		if envelope.Code == codeAlreadyTerminal {
			return nil, ErrAlreadyTerminal
		}
		if reason, ok := permanentCodes[envelope.Code]; ok {
			return nil, &PermanentError{
				Op:   method,
				Code: strconv.Itoa(envelope.Code),
				Err:  fmt.Errorf("%s: %s", reason, envelope.Message),
			}
		}
		return nil, &TransientError{
			Op:  method,
			Err: fmt.Errorf("code %d: %s", envelope.Code, envelope.Message),
		}
	}

	return envelope.Result, nil
}

// PlaceOrder размещает ордер с опциональными TP/SL ногами.
// client_oid передаётся бирже как ключ идемпотентности.
func (c *RESTClient) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderResult, error) {
	params := map[string]interface{}{
		"instrument_name": req.Symbol,
		"side":            req.Side,
		"quantity":        req.Quantity,
		"client_oid":      req.ClientOrderID,
	}
	if req.Price > 0 {
		params["type"] = "LIMIT"
		params["price"] = req.Price
	} else {
		params["type"] = "MARKET"
	}
	if req.TakeProfit > 0 {
		params["take_profit_price"] = req.TakeProfit
	}
	if req.StopLoss > 0 {
		params["stop_loss_price"] = req.StopLoss
	}

	result, err := c.call(ctx, methodCreateOrder, params)
	if err != nil {
		return nil, err
	}

	return decodeOrder(result, methodCreateOrder)
}

// GetOrderStatus возвращает состояние ордера
func (c *RESTClient) GetOrderStatus(ctx context.Context, orderRef string) (OrderStatus, error) {
	result, err := c.call(ctx, methodGetOrderDetail, map[string]interface{}{
		"order_id": orderRef,
	})
	if err != nil {
		return OrderStatusUnknown, err
	}

	order, err := decodeOrder(result, methodGetOrderDetail)
	if err != nil {
		return OrderStatusUnknown, err
	}

	return order.Status, nil
}

// FindOrderByClientID ищет ордер по клиентскому ключу идемпотентности.
// Возвращает nil, nil если биржа такого ордера не знает.
func (c *RESTClient) FindOrderByClientID(ctx context.Context, clientOrderID string) (*OrderResult, error) {
	result, err := c.call(ctx, methodGetOrderByClient, map[string]interface{}{
		"client_oid": clientOrderID,
	})
	if err != nil {
		// "Не найдено" биржа кодирует permanent-кодом: для вызывающего
		// это штатный ответ "ордера не было", а не ошибка
		if IsPermanent(err) {
			return nil, nil
		}
		return nil, err
	}

	return decodeOrder(result, methodGetOrderByClient)
}

// CancelOrder отменяет ордер; терминальное состояние - не ошибка
func (c *RESTClient) CancelOrder(ctx context.Context, orderRef string) error {
	_, err := c.call(ctx, methodCancelOrder, map[string]interface{}{
		"order_id": orderRef,
	})
	return err
}

// decodeOrder разбирает payload ордера и нормализует статус
func decodeOrder(raw jsoniter.RawMessage, op string) (*OrderResult, error) {
	var payload orderPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &TransientError{Op: op, Err: fmt.Errorf("malformed order payload: %w", err)}
	}

	return &OrderResult{
		OrderRef:     payload.OrderID,
		TPOrderRef:   payload.TPOrderID,
		SLOrderRef:   payload.SLOrderID,
		AvgFillPrice: payload.AvgPrice,
		FilledQty:    payload.CumulativeQty,
		Status:       normalizeStatus(payload.Status),
		CreatedAt:    time.UnixMilli(payload.CreateTime),
	}, nil
}

// normalizeStatus приводит статусы биржи к внутренним
func normalizeStatus(s string) OrderStatus {
	switch s {
	case "ACTIVE", "OPEN", "NEW", "PARTIALLY_FILLED":
		return OrderStatusOpen
	case "FILLED":
		return OrderStatusFilled
	case "CANCELED", "CANCELLED", "EXPIRED", "REJECTED":
		return OrderStatusCancelled
	default:
		return OrderStatusUnknown
	}
}
