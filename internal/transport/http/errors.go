package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout/internal/domain"
)

type errorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// statusForCode сопоставляет код ошибки домена со статусом HTTP.
func statusForCode(code string) int {
	switch code {
	case domain.CodeInsufficientStock, domain.CodeInvalidState, domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeProductNotFound, domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := domain.ErrorCode(err)
	status := statusForCode(code)

	message := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).Error("request failed")
		message = "internal error"
	}
	c.AbortWithStatusJSON(status, errorResponse{Code: code, Error: message})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Code: domain.CodeValidation, Error: err.Error()})
}
