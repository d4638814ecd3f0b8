package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/tangentchat/internal/graph"
	"github.com/tangentchat/internal/retry"
)

// ResilientInvoker wraps an invoker with the call policy the graph core
// expects from its collaborator: linear-backoff retries (delay grows
// with the attempt number), no retry on client-error statuses, and
// request pacing against provider rate limits.
type ResilientInvoker struct {
	inner   graph.ModelInvoker
	cfg     retry.Config
	limiter *rate.Limiter
}

// ResilientOptions tunes the wrapper. Zero values fall back to defaults:
// 3 retries, 1s base delay, no pacing.
type ResilientOptions struct {
	MaxRetries        int
	BaseDelay         time.Duration
	RequestsPerSecond float64
}

func NewResilientInvoker(inner graph.ModelInvoker, opts ResilientOptions) *ResilientInvoker {
	cfg := retry.DefaultConfig()
	if opts.MaxRetries > 0 {
		cfg.MaxRetries = opts.MaxRetries
	}
	if opts.BaseDelay > 0 {
		cfg.BaseDelay = opts.BaseDelay
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}
	return &ResilientInvoker{inner: inner, cfg: cfg, limiter: limiter}
}

func (r *ResilientInvoker) Generate(ctx context.Context, req graph.GenerationRequest) (*graph.Generation, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var gen *graph.Generation
	result := retry.Do(ctx, r.cfg, func() error {
		g, err := r.inner.Generate(ctx, req)
		if err != nil {
			return err
		}
		gen = g
		return nil
	}, Retryable)

	if !result.Success {
		return nil, result.LastError
	}
	return gen, nil
}
