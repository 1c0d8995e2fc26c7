package rpcpool

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorKind classifies an attempt outcome for the retry policy
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindRateLimit
	KindTimeout
	KindOther
	KindCanceled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRateLimit:
		return "rate_limit"
	case KindTimeout:
		return "timeout"
	case KindOther:
		return "other"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// JSON-RPC code several providers use for request-rate rejections
const rateLimitCode = -32005

// Classify maps an RPC error onto the retry policy's categories
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 429 {
		return KindRateLimit
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == rateLimitCode {
		return KindRateLimit
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"),
		strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate-limit"),
		strings.Contains(msg, "too many requests"):
		return KindRateLimit
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	}
	return KindOther
}

// Policy bounds the retry loop
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration // rate limits: BaseBackoff * 2^(attempt-1)
	MaxBackoff  time.Duration
	TimeoutStep time.Duration // timeouts: TimeoutStep * attempt
	RetryDelay  time.Duration // any other error
}

// DefaultPolicy mirrors the production defaults
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
		TimeoutStep: time.Second,
		RetryDelay:  200 * time.Millisecond,
	}
}

// Decision is what the loop does after a failed attempt
type Decision struct {
	Retry bool
	Delay time.Duration
	Kind  ErrorKind
}

// Decide is the pure retry function: attempt number (1-based) and outcome in,
// whether to retry and how long to wait out.
func Decide(attempt int, kind ErrorKind, p Policy) Decision {
	d := Decision{Kind: kind}
	if kind == KindNone || kind == KindCanceled || attempt >= p.MaxAttempts {
		return d
	}

	d.Retry = true
	switch kind {
	case KindRateLimit:
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		d.Delay = p.BaseBackoff * time.Duration(1<<shift)
		if p.MaxBackoff > 0 && d.Delay > p.MaxBackoff {
			d.Delay = p.MaxBackoff
		}
	case KindTimeout:
		d.Delay = p.TimeoutStep * time.Duration(attempt)
	default:
		d.Delay = p.RetryDelay
	}
	return d
}
