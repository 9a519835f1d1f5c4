package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNotInitialized reports that no backend client could be created at startup.
var ErrNotInitialized = errors.New("agent gateway is not initialized")

// Kind classifies backend failures.
type Kind string

const (
	KindTransport Kind = "transport"
	KindTimeout   Kind = "timeout"
	KindAuth      Kind = "auth"
	KindQuota     Kind = "quota"
	KindService   Kind = "service"
	KindProtocol  Kind = "protocol"
)

// Error is the failure variant returned by gateways.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether err is a transient failure worth another attempt.
func Retryable(err error) bool {
	var agentErr *Error
	if !errors.As(err, &agentErr) {
		return false
	}

	switch agentErr.Kind {
	case KindTransport, KindTimeout:
		return true
	case KindService:
		switch agentErr.Status {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
	}
	return false
}

// classify wraps an arbitrary client error into an *Error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var agentErr *Error
	if errors.As(err, &agentErr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &Error{Kind: KindTimeout, Op: op, Err: err}
		}
		return &Error{Kind: KindTransport, Op: op, Err: err}
	}

	return &Error{Kind: KindService, Op: op, Err: err}
}

// statusError maps a non-2xx HTTP response to an *Error.
func statusError(op string, status int, detail string) *Error {
	kind := KindService
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = KindAuth
	case status == http.StatusTooManyRequests:
		kind = KindQuota
	case status >= 400 && status < 500:
		kind = KindProtocol
	}

	msg := fmt.Sprintf("unexpected status %d", status)
	if detail != "" {
		msg += ": " + detail
	}
	return &Error{Kind: kind, Op: op, Status: status, Err: errors.New(msg)}
}
