// Package gateway is the single boundary to the external transcription and
// text-generation services. It owns retry, backoff, per-call timeouts and the
// global call spacing that keeps the shared account under its rate limit;
// stage executors stay free of retry logic.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// GenerateRequest is a provider-neutral text-generation call.
type GenerateRequest struct {
	System      string  // optional system message
	Prompt      string  // user prompt
	JSONObject  bool    // request a JSON-object response
	MaxTokens   int     // 0 = provider default
	Temperature float64 // 0 = provider default
}

// Provider issues one raw call against a concrete external service and
// returns a classified error (TransientError/PermanentError) on failure.
type Provider interface {
	Transcribe(ctx context.Context, audioPath string) (string, error)
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Options tunes retry and rate-limit behavior.
type Options struct {
	MaxAttempts     int           // total attempts per call, including the first
	BaseBackoff     time.Duration // backoff doubles per retry from this base
	MaxBackoff      time.Duration // cap on a single backoff sleep
	MinCallInterval time.Duration // global minimum spacing between outbound calls
	CallTimeout     time.Duration // per-call deadline
}

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 2 * time.Second
	defaultMaxBackoff  = 32 * time.Second
	defaultCallTimeout = 2 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = defaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = defaultCallTimeout
	}
	return o
}

// Gateway wraps a Provider with retry, backoff and global call spacing.
// The spacing is shared across all segments: they bill the same account.
type Gateway struct {
	log      *slog.Logger
	provider Provider
	opts     Options

	mu       sync.Mutex
	nextSlot time.Time // earliest time the next outbound call may start
}

// New creates a Gateway around the given provider.
func New(log *slog.Logger, provider Provider, opts Options) *Gateway {
	return &Gateway{
		log:      log,
		provider: provider,
		opts:     opts.withDefaults(),
	}
}

// Transcribe runs the transcription call with retry and spacing applied.
func (g *Gateway) Transcribe(ctx context.Context, audioPath string) (string, error) {
	return g.call(ctx, "transcribe", func(callCtx context.Context) (string, error) {
		return g.provider.Transcribe(callCtx, audioPath)
	})
}

// Generate runs the text-generation call with retry and spacing applied.
func (g *Gateway) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	return g.call(ctx, "generate", func(callCtx context.Context) (string, error) {
		return g.provider.Generate(callCtx, req)
	})
}

func (g *Gateway) call(ctx context.Context, kind string, fn func(context.Context) (string, error)) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= g.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := g.backoffFor(attempt)
			g.log.Debug("retrying external call", "kind", kind, "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := g.waitTurn(ctx); err != nil {
			return "", err
		}

		// Detach the call from run cancellation: an in-flight request runs to
		// completion or its own timeout, never a forced mid-call abort.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.CallTimeout)
		out, err := fn(callCtx)
		cancel()
		if err == nil {
			return out, nil
		}
		if !IsTransient(err) {
			return "", err
		}
		lastErr = err
		g.log.Warn("transient external failure", "kind", kind, "attempt", attempt, "err", err)
	}
	return "", fmt.Errorf("%s failed after %d attempts: %w", kind, g.opts.MaxAttempts, lastErr)
}

// backoffFor doubles the base per retry up to MaxBackoff. The shift exponent
// is clamped so a large attempt count cannot overflow time.Duration into a
// negative sleep.
func (g *Gateway) backoffFor(attempt int) time.Duration {
	shift := attempt - 2
	if shift > 30 {
		return g.opts.MaxBackoff
	}
	backoff := g.opts.BaseBackoff << shift
	if backoff <= 0 || backoff > g.opts.MaxBackoff {
		backoff = g.opts.MaxBackoff
	}
	return backoff
}

// waitTurn reserves the next outbound slot and sleeps until it. Reservation is
// under the mutex, the sleep is not, so concurrent callers queue fairly.
func (g *Gateway) waitTurn(ctx context.Context) error {
	if g.opts.MinCallInterval <= 0 {
		return nil
	}
	g.mu.Lock()
	now := time.Now()
	slot := g.nextSlot
	if slot.Before(now) {
		slot = now
	}
	g.nextSlot = slot.Add(g.opts.MinCallInterval)
	g.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
