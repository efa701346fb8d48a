// Package invoker wraps a provider adapter with timeout, exponential backoff,
// and credential rotation. It is the unit every pipeline calls instead of
// talking to a provider directly.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"autopatch/pkg/llm"
	"autopatch/pkg/llm/credpool"
	"autopatch/pkg/llm/llmerrors"
	"autopatch/pkg/logx"
	"autopatch/pkg/metrics"
)

// ErrProviderExhausted is returned only when every credential in the pool has
// been marked unavailable. It is fatal to the current operation; nothing above
// the invoker retries it automatically.
var ErrProviderExhausted = errors.New("provider exhausted: all credentials unavailable")

// Config tunes retry and timeout behavior.
type Config struct {
	MaxRetries     int           // transient retry ceiling (attempts beyond the first)
	BaseDelay      time.Duration // initial backoff delay, doubled per transient retry
	MaxDelay       time.Duration // backoff cap
	RequestTimeout time.Duration // per-call deadline raced against the provider call
}

// DefaultConfig provides reasonable defaults for provider calls.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	MaxRetries:     3,
	BaseDelay:      time.Second,
	MaxDelay:       30 * time.Second,
	RequestTimeout: 90 * time.Second,
}

// Invoker issues completions through one provider with one credential pool.
type Invoker struct {
	provider llm.Provider
	pool     *credpool.Pool
	config   Config
	logger   *logx.Logger
}

// New creates an invoker for the given provider and pool. The pool is
// constructor-injected so tests can supply deterministic credential sets.
func New(provider llm.Provider, pool *credpool.Pool, config Config) *Invoker {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig.MaxRetries
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultConfig.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultConfig.MaxDelay
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultConfig.RequestTimeout
	}
	return &Invoker{
		provider: provider,
		pool:     pool,
		config:   config,
		logger:   logx.NewLogger("invoker." + provider.Name()),
	}
}

// Provider returns the name of the wrapped provider.
func (iv *Invoker) Provider() string {
	return iv.provider.Name()
}

// Invoke performs one completion with rotation and retry. Failure handling:
//
//   - rotation-class errors burn the current credential and move to the next
//     one immediately, without backoff and without consuming a retry. Cycling
//     through the whole pool without success yields ErrProviderExhausted.
//   - transient errors back off exponentially up to the retry ceiling, then
//     surface the underlying error.
//   - fatal errors propagate immediately.
func (iv *Invoker) Invoke(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return llm.CompletionResponse{}, llmerrors.NewWithCause(llmerrors.ErrorTypeFatal, err, "invalid completion request")
	}

	var lastErr error
	retries := 0

	// Explicit loop, never recursion: rotation alone is bounded by pool size,
	// transient retries by MaxRetries, so the loop always terminates.
	for {
		credential, ok := iv.pool.Current()
		if !ok {
			return llm.CompletionResponse{}, fmt.Errorf("%w (provider %s)", ErrProviderExhausted, iv.provider.Name())
		}

		resp, err := iv.completeWithTimeout(ctx, credential, in)
		if err == nil {
			if resp.Truncated() {
				iv.logger.Warn("completion truncated at max tokens (model %s)", in.Model)
			}
			if resp.StopReason == llm.StopReasonSafety {
				iv.logger.Warn("completion stopped by safety filter (model %s)", in.Model)
			}
			metrics.ProviderCalls.WithLabelValues(iv.provider.Name(), "ok").Inc()
			return resp, nil
		}
		lastErr = err

		switch llmerrors.Classify(err) {
		case llmerrors.ErrorTypeRotation:
			metrics.CredentialRotations.WithLabelValues(iv.provider.Name()).Inc()
			iv.logger.Warn("credential burned, rotating: %v", err)
			if !iv.pool.MarkUnavailable(err.Error()) {
				metrics.ProviderCalls.WithLabelValues(iv.provider.Name(), "exhausted").Inc()
				return llm.CompletionResponse{}, fmt.Errorf("%w (provider %s): %v", ErrProviderExhausted, iv.provider.Name(), err)
			}
			// Retry immediately on the next credential; rotation never
			// consumes a transient retry.
			continue

		case llmerrors.ErrorTypeTransient:
			iv.pool.RecordError(err.Error())
			if retries >= iv.config.MaxRetries {
				metrics.ProviderCalls.WithLabelValues(iv.provider.Name(), "error").Inc()
				return llm.CompletionResponse{}, fmt.Errorf("retries exhausted after %d attempts: %w", retries+1, lastErr)
			}
			delay := iv.backoffDelay(retries)
			retries++
			iv.logger.Debug("transient failure, retry %d/%d in %s: %v", retries, iv.config.MaxRetries, delay, err)
			select {
			case <-ctx.Done():
				return llm.CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
			continue

		default: // fatal
			metrics.ProviderCalls.WithLabelValues(iv.provider.Name(), "error").Inc()
			return llm.CompletionResponse{}, err
		}
	}
}

// completeWithTimeout races the provider call against the per-request deadline.
// A deadline hit classifies as transient via llmerrors.Classify.
func (iv *Invoker) completeWithTimeout(ctx context.Context, credential string, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, iv.config.RequestTimeout)
	defer cancel()

	resp, err := iv.provider.Complete(callCtx, credential, in)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return llm.CompletionResponse{}, llmerrors.NewWithCause(llmerrors.ErrorTypeTransient, err,
			fmt.Sprintf("request timed out after %s", iv.config.RequestTimeout))
	}
	return resp, err
}

func (iv *Invoker) backoffDelay(retry int) time.Duration {
	delay := time.Duration(float64(iv.config.BaseDelay) * math.Pow(2, float64(retry)))
	if delay > iv.config.MaxDelay {
		delay = iv.config.MaxDelay
	}
	return delay
}
