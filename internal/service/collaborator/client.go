package collaborator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
	"github.com/vladislavdragonenkov/checkout/internal/version"
)

// IdempotencyHeader передаёт ключ идемпотентности внешнему сервису.
const IdempotencyHeader = "Idempotency-Key"

const defaultTimeout = 5 * time.Second

// httpClient: общая часть HTTP-клиентов внешних сервисов.
type httpClient struct {
	name   string
	rest   *resty.Client
	logger *log.Entry
}

func newHTTPClient(name, baseURL string, timeout time.Duration, logger *log.Entry) httpClient {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = log.WithField("component", "collaborator")
	}
	rest := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", version.UserAgent("checkout-service"))
	return httpClient{name: name, rest: rest, logger: logger.WithField("collaborator", name)}
}

// post выполняет POST и переводит ответ в доменные ошибки:
// 5xx, 429 и сетевые ошибки — временные, остальные 4xx — отказ.
func (c httpClient) post(ctx context.Context, idempotencyKey, path string, body, result any) error {
	req := c.rest.R().
		SetContext(ctx).
		SetHeader(IdempotencyHeader, idempotencyKey).
		SetBody(body)
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Post(path)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%s %s: %w: %v", c.name, path, domain.ErrCollaboratorTemporary, err)
	}
	return c.classify(path, resp)
}

func (c httpClient) classify(path string, resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout:
		c.logger.WithField("status", code).Warn("collaborator temporary failure")
		return fmt.Errorf("%s %s: status %d: %w", c.name, path, code, domain.ErrCollaboratorTemporary)
	default:
		return fmt.Errorf("%s %s: status %d: %s: %w", c.name, path, code, resp.String(), domain.ErrCollaboratorRejected)
	}
}
