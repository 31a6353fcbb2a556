// Package ledger синхронизирует очередь LedgerUpdate с внешним
// spreadsheet-of-record через батчевый RPC API.
package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"tradesync/pkg/ratelimit"
	"tradesync/pkg/retry"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Entry - одна запись батча для remote ledger
type Entry struct {
	RowKey         string            `json:"row_key"`
	Kind           string            `json:"kind"`
	Fields         map[string]string `json:"fields"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// Статусы применения записи на remote-стороне
const (
	EntryAck       = "ack"
	EntryDuplicate = "duplicate" // ключ уже применялся; для нас успех
	EntryError     = "error"
)

// EntryResult - per-entry результат батча
type EntryResult struct {
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	Error          string `json:"error,omitempty"`
}

// BatchClient применяет батч записей к remote ledger
type BatchClient interface {
	ApplyBatch(ctx context.Context, entries []Entry) ([]EntryResult, error)
}

// HTTPClient - BatchClient поверх HTTP API ledger-сервиса
type HTTPClient struct {
	baseURL    string
	documentID string
	apiToken   string
	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
}

// HTTPClientConfig - параметры ledger-клиента
type HTTPClientConfig struct {
	BaseURL    string
	DocumentID string
	APIToken   string
	Timeout    time.Duration
}

// NewHTTPClient создает клиент remote ledger.
// Rate limit фиксирован: batch-API документа выдерживает примерно
// один запрос в секунду, батчинг существует именно ради этого лимита.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		documentID: cfg.DocumentID,
		apiToken:   cfg.APIToken,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    ratelimit.NewRateLimiter(1, 2),
	}
}

// batchRequest - тело запроса batchUpdate
type batchRequest struct {
	Entries []Entry `json:"entries"`
}

// batchResponse - ответ batchUpdate
type batchResponse struct {
	Results []EntryResult `json:"results"`
}

// ApplyBatch отправляет батч одним запросом.
//
// Ошибка возвращается только при неуспехе всего запроса (сеть, 5xx,
// rate limit) - такой батч ретраится целиком. Per-entry исходы
// приходят в результатах.
func (c *HTTPClient) ApplyBatch(ctx context.Context, entries []Entry) ([]EntryResult, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, retry.Temporary(err)
	}

	encoded, err := json.Marshal(batchRequest{Entries: entries})
	if err != nil {
		return nil, retry.Permanent(err)
	}

	url := fmt.Sprintf("%s/documents/%s/batchUpdate", c.baseURL, c.documentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.Temporary(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Temporary(err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, retry.Temporary(fmt.Errorf("ledger http %d: %s", resp.StatusCode, body))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.Permanent(fmt.Errorf("ledger http %d: %s", resp.StatusCode, body))
	}

	var decoded batchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, retry.Temporary(fmt.Errorf("malformed ledger response: %w", err))
	}

	if len(decoded.Results) != len(entries) {
		return nil, retry.Temporary(fmt.Errorf(
			"ledger returned %d results for %d entries", len(decoded.Results), len(entries)))
	}

	return decoded.Results, nil
}

// Money форматирует цену/количество для ячейки ledger.
// Округление до 8 знаков: float64-артефакты вида 0.30000000000000004
// в человекочитаемом реестре недопустимы, а точность выше сатоши
// биржей не используется.
func Money(v float64) string {
	return decimal.NewFromFloat(v).Round(8).String()
}
