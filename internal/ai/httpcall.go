package ai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

type providerResponse struct {
	Body        []byte
	ContentType string
}

// postProvider sends one JSON POST bounded by timeout and returns the raw
// body of a 2xx answer. Other statuses become providerHTTPError.
func postProvider(
	ctx context.Context,
	httpClient *http.Client,
	provider string,
	url string,
	apiKey string,
	timeout time.Duration,
	payload []byte,
) (providerResponse, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return providerResponse{}, fmt.Errorf("create %s request: %w", provider, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+apiKey)
	}

	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return providerResponse{}, fmt.Errorf("%s timeout: %w", provider, err)
		}
		return providerResponse{}, fmt.Errorf("%s transport error: %w", provider, err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return providerResponse{}, fmt.Errorf("read %s body: %w", provider, err)
	}
	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		return providerResponse{}, newProviderHTTPError(provider, httpResponse.StatusCode, body)
	}
	return providerResponse{Body: body, ContentType: httpResponse.Header.Get("Content-Type")}, nil
}
