package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

const (
	// IdempotencyKeyHeader: заголовок, по которому повторный POST возвращает сохранённый ответ.
	IdempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"

	idempotencyKeyPrefix = "http:"
)

type bodyRecorder struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bodyRecorder) Write(data []byte) (int, error) {
	w.body.Write(data)
	return w.ResponseWriter.Write(data)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// idempotency сохраняет ответ POST-запроса с заголовком Idempotency-Key и воспроизводит его при повторе.
// Ответы 5xx не сохраняются: ключ освобождается, и клиент может повторить запрос.
func (h *Handler) idempotency() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
		if h.idem == nil || key == "" || c.Request.Method != http.MethodPost {
			c.Next()
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			badRequest(c, err)
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		storeKey := idempotencyKeyPrefix + key
		hash := requestHash(c.Request.Method, c.Request.URL.Path, body)
		logger := h.logger.WithField("idempotency_key", key)

		ctx := c.Request.Context()
		record, err := h.idem.Claim(ctx, domain.IdempotencyClaim{
			Key:         storeKey,
			RequestHash: hash,
			ExpiresAt:   time.Now().UTC().Add(h.idemTTL),
		})
		if err != nil {
			h.replay(c, err, record)
			return
		}

		recorder := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = recorder
		c.Next()

		// ответ уже ушёл клиенту, отмена запроса не должна терять итог
		ctx = context.WithoutCancel(ctx)
		status := recorder.Status()
		switch {
		case status >= http.StatusInternalServerError:
			if err := h.idem.Release(ctx, storeKey); err != nil {
				logger.WithError(err).Warn("failed to release idempotency key")
			}
		case status >= http.StatusBadRequest:
			if err := h.idem.Resolve(ctx, storeKey, domain.Rejected(status, recorder.body.Bytes())); err != nil {
				logger.WithError(err).Warn("failed to store idempotent failure response")
			}
		default:
			if err := h.idem.Resolve(ctx, storeKey, domain.Completed(status, recorder.body.Bytes())); err != nil {
				logger.WithError(err).Warn("failed to store idempotent response")
			}
		}
	}
}

func (h *Handler) replay(c *gin.Context, createErr error, record domain.IdempotencyRecord) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, errorResponse{
			Code:  domain.CodeConflict,
			Error: "idempotency key is already used with different request payload",
		})
	case errors.Is(createErr, domain.ErrIdempotencyKeyTaken):
		switch {
		case record.Resolved():
			status := record.Code
			if status == 0 {
				status = http.StatusOK
			}
			c.Header(replayedHeader, "true")
			c.Data(status, gin.MIMEJSON+"; charset=utf-8", record.Body)
			c.Abort()
		default:
			c.AbortWithStatusJSON(http.StatusConflict, errorResponse{
				Code:  domain.CodeConflict,
				Error: "request with the same idempotency key is already processing",
			})
		}
	default:
		h.fail(c, createErr)
	}
}

func requestHash(method, path string, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(method))
	sum.Write([]byte{' '})
	sum.Write([]byte(path))
	sum.Write([]byte{':'})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}
