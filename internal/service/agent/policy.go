package agent

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// Policy bounds how long and how often the backend is called.
type Policy struct {
	// Timeout applies to each attempt. Zero disables it.
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after a retryable failure.
	MaxRetries int
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
	// Limiter throttles outbound calls across all sessions. Nil disables it.
	Limiter *rate.Limiter
}

type policyGateway struct {
	next   Gateway
	policy Policy
}

// WithPolicy decorates gw with per-attempt timeouts, retries on transient
// failures and optional rate limiting. The result always implements
// StreamingGateway; when gw cannot stream, the whole answer arrives as one delta.
func WithPolicy(gw Gateway, policy Policy) StreamingGateway {
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &policyGateway{next: gw, policy: policy}
}

func (p *policyGateway) Ask(ctx context.Context, req Request) (string, error) {
	return p.run(ctx, req, func(attemptCtx context.Context) (string, error) {
		return p.next.Ask(attemptCtx, req)
	}, func() bool { return true })
}

func (p *policyGateway) AskStream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	streamer, ok := p.next.(StreamingGateway)
	if !ok {
		answer, err := p.Ask(ctx, req)
		if err != nil {
			return "", err
		}
		if err := onDelta(answer); err != nil {
			return "", err
		}
		return answer, nil
	}

	emitted := false
	forward := func(delta string) error {
		emitted = true
		return onDelta(delta)
	}
	// Once a delta reached the client, a retry would duplicate output.
	return p.run(ctx, req, func(attemptCtx context.Context) (string, error) {
		return streamer.AskStream(attemptCtx, req, forward)
	}, func() bool { return !emitted })
}

func (p *policyGateway) run(ctx context.Context, req Request, call func(context.Context) (string, error), canRetry func() bool) (string, error) {
	for attempt := 0; ; attempt++ {
		if p.policy.Limiter != nil {
			if err := p.policy.Limiter.Wait(ctx); err != nil {
				return "", &Error{Kind: KindQuota, Op: "rate limit", Err: err}
			}
		}

		answer, err := p.attempt(ctx, call)
		if err == nil {
			return answer, nil
		}

		if ctx.Err() != nil || !Retryable(err) || attempt >= p.policy.MaxRetries || !canRetry() {
			return "", err
		}

		delay := p.policy.Backoff << attempt
		log.Printf("[agent] attempt %d failed for session=%s, retrying in %s: %v", attempt+1, req.SessionID, delay, err)

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", classify("ask", ctx.Err())
			case <-timer.C:
			}
		}
	}
}

func (p *policyGateway) attempt(ctx context.Context, call func(context.Context) (string, error)) (string, error) {
	attemptCtx := ctx
	if p.policy.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, p.policy.Timeout)
		defer cancel()
	}

	answer, err := call(attemptCtx)
	if err != nil {
		return "", classify("ask", err)
	}
	return answer, nil
}
