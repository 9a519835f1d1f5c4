package agent

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func TestWithPolicyRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	gw := WithPolicy(GatewayFunc(func(ctx context.Context, req Request) (string, error) {
		if calls.Add(1) < 3 {
			return "", &Error{Kind: KindTransport, Op: "dial", Err: errors.New("connection reset")}
		}
		return "world", nil
	}), Policy{MaxRetries: 2, Backoff: time.Millisecond})

	answer, err := gw.Ask(context.Background(), Request{Question: "hello"})
	if err != nil {
		t.Fatalf("Ask err: %v", err)
	}
	if answer != "world" {
		t.Fatalf("expected world, got %q", answer)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestWithPolicyGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	gw := WithPolicy(GatewayFunc(func(ctx context.Context, req Request) (string, error) {
		calls.Add(1)
		return "", statusError("post /threads", http.StatusServiceUnavailable, "busy")
	}), Policy{MaxRetries: 1})

	if _, err := gw.Ask(context.Background(), Request{Question: "hello"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestWithPolicyDoesNotRetryFatalErrors(t *testing.T) {
	var calls atomic.Int32
	gw := WithPolicy(GatewayFunc(func(ctx context.Context, req Request) (string, error) {
		calls.Add(1)
		return "", statusError("post /threads", http.StatusForbidden, "denied")
	}), Policy{MaxRetries: 3})

	_, err := gw.Ask(context.Background(), Request{Question: "hello"})
	var agentErr *Error
	if !errors.As(err, &agentErr) || agentErr.Kind != KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestWithPolicyTimesOutSlowBackend(t *testing.T) {
	gw := WithPolicy(GatewayFunc(func(ctx context.Context, req Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}), Policy{Timeout: 10 * time.Millisecond})

	_, err := gw.Ask(context.Background(), Request{Question: "hello"})
	var agentErr *Error
	if !errors.As(err, &agentErr) || agentErr.Kind != KindTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

type flakyStreamer struct {
	calls atomic.Int32
}

func (f *flakyStreamer) Ask(ctx context.Context, req Request) (string, error) {
	return "", errors.New("not used")
}

func (f *flakyStreamer) AskStream(ctx context.Context, req Request, onDelta func(string) error) (string, error) {
	f.calls.Add(1)
	if err := onDelta("partial"); err != nil {
		return "", err
	}
	return "", &Error{Kind: KindTransport, Op: "stream", Err: errors.New("connection reset")}
}

func TestWithPolicyDoesNotRetryStreamAfterDelta(t *testing.T) {
	inner := &flakyStreamer{}
	gw := WithPolicy(inner, Policy{MaxRetries: 3})

	var deltas []string
	_, err := gw.AskStream(context.Background(), Request{Question: "hello"}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err == nil {
		t.Fatal("expected stream error")
	}
	if inner.calls.Load() != 1 {
		t.Fatalf("expected a single stream attempt, got %d", inner.calls.Load())
	}
	if len(deltas) != 1 {
		t.Fatalf("expected one delta, got %v", deltas)
	}
}

func TestWithPolicyStreamFallsBackToAsk(t *testing.T) {
	gw := WithPolicy(GatewayFunc(func(ctx context.Context, req Request) (string, error) {
		return "world", nil
	}), Policy{})

	var deltas []string
	answer, err := gw.AskStream(context.Background(), Request{Question: "hello"}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	if err != nil {
		t.Fatalf("AskStream err: %v", err)
	}
	if answer != "world" || len(deltas) != 1 || deltas[0] != "world" {
		t.Fatalf("unexpected answer=%q deltas=%v", answer, deltas)
	}
}

func TestRetryableClassification(t *testing.T) {
	cases := map[string]struct {
		err  error
		want bool
	}{
		"transport":   {&Error{Kind: KindTransport, Err: errors.New("x")}, true},
		"timeout":     {classify("ask", context.DeadlineExceeded), true},
		"bad gateway": {statusError("op", http.StatusBadGateway, ""), true},
		"internal":    {statusError("op", http.StatusInternalServerError, ""), false},
		"quota":       {statusError("op", http.StatusTooManyRequests, ""), false},
		"plain error": {errors.New("boom"), false},
	}

	for name, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("%s: Retryable = %v, want %v", name, got, tc.want)
		}
	}
}
