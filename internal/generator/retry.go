package generator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 2 * time.Second
)

// retryPolicy retries failed model calls with jittered exponential backoff.
type retryPolicy struct {
	maxRetries int
	retryDelay time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

func newRetryPolicy(maxRetries int, retryDelay time.Duration) *retryPolicy {
	p := &retryPolicy{
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter only
	}
	if p.maxRetries < 0 {
		p.maxRetries = defaultMaxRetries
	}
	if p.retryDelay <= 0 {
		p.retryDelay = defaultRetryDelay
	}
	return p
}

// generate calls the model until it answers, the error is permanent, retries
// run out or ctx is done.
func (p *retryPolicy) generate(ctx context.Context, models contentGenerator, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig, logger zerolog.Logger) (*genai.GenerateContentResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := models.GenerateContent(ctx, model, contents, cfg)
		if err == nil {
			logger.Debug().Int("attempt", attempt+1).Msg("gemini: call succeeded")
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrTransientFailure, ctxErr)
		}
		if permanent(err) {
			logger.Warn().Err(err).Int("attempt", attempt+1).Msg("gemini: request rejected")
			return nil, fmt.Errorf("%w: %w", ErrRequestRejected, err)
		}
		logger.Warn().Err(err).Int("attempt", attempt+1).Int("max_attempts", p.maxRetries+1).Msg("gemini: call failed")
		if attempt >= p.maxRetries {
			return nil, fmt.Errorf("%w: exceeded %d retries: %v", ErrTransientFailure, p.maxRetries, err)
		}

		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", ErrTransientFailure, ctx.Err())
		}
	}
}

// backoff is retryDelay * 2^attempt scaled by a jitter factor in [0.5, 1).
func (p *retryPolicy) backoff(attempt int) time.Duration {
	p.rngMu.Lock()
	jitter := 0.5 + p.rng.Float64()*0.5
	p.rngMu.Unlock()
	return time.Duration(float64(p.retryDelay) * math.Pow(2, float64(attempt)) * jitter)
}

// permanent reports client errors that repeating the same request cannot fix.
// Rate limiting and request timeouts stay retryable.
func permanent(err error) bool {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		code = apiErrPtr.Code
	default:
		return false
	}
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return false
	}
	return code >= 400 && code < 500
}
