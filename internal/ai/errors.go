package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/iago/lesson-pipeline/internal/domain"
)

// ErrEmptyOutput is returned when a provider answers 2xx without usable content.
var ErrEmptyOutput = errors.New("provider response without output")

type providerHTTPError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *providerHTTPError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Message)
}

func newProviderHTTPError(provider string, statusCode int, body []byte) *providerHTTPError {
	message := strings.TrimSpace(string(body))
	if len(message) > 700 {
		message = message[:700]
	}
	return &providerHTTPError{Provider: provider, StatusCode: statusCode, Message: message}
}

func isRetryableProviderError(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *providerHTTPError
	if errors.As(err, &httpErr) {
		return retryableStatus(httpErr.StatusCode)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "timeout") || strings.Contains(message, "tempor")
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// ClassifyProviderError maps a provider failure onto the pipeline error
// taxonomy. Rate limits, timeouts, 5xx and transport failures are transient;
// other 4xx answers and a missing client configuration are permanent.
func ClassifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	var classified *domain.ClassifiedError
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, ErrProviderUnavailable) {
		return domain.Permanent(domain.ReasonExternalRejected, err)
	}
	var httpErr *providerHTTPError
	if errors.As(err, &httpErr) {
		if retryableStatus(httpErr.StatusCode) {
			return domain.Transient(domain.ReasonTransientExternal, err)
		}
		return domain.Permanent(domain.ReasonExternalRejected, err)
	}
	return domain.Transient(domain.ReasonTransientExternal, err)
}

func providerFirstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
