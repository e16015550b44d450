package ai

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// QuotaLimited throttles a TextGenerator to a provider quota. Callers block
// for a token until their context expires.
type QuotaLimited struct {
	next    TextGenerator
	limiter *rate.Limiter
}

// NewQuotaLimited returns next unchanged when requestsPerMinute is not positive.
func NewQuotaLimited(next TextGenerator, requestsPerMinute float64, burst int) TextGenerator {
	if requestsPerMinute <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &QuotaLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(requestsPerMinute/60), burst),
	}
}

func (q *QuotaLimited) Available() bool {
	return q.next.Available()
}

func (q *QuotaLimited) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	if err := q.limiter.Wait(ctx); err != nil {
		return GenerateResult{}, fmt.Errorf("quota wait timeout: %w", err)
	}
	return q.next.Generate(ctx, request)
}
