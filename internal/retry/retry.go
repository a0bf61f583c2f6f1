// Package retry provides the retry policy shared by every long-running sync
// loop. Transient network and database failures are retried with a jittered
// backoff; application-level failures are surfaced to the caller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// baseBackoff is the fixed component of the transient-error backoff.
	baseBackoff = 30 * time.Second
	// logAfterConsecutive suppresses transient-error logging until a call
	// site has failed this many times in a row.
	logAfterConsecutive = 20
)

// Permanent wraps an error so the policy stops retrying and returns it.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Policy describes how a call site retries. FailOn short-circuits the retry
// loop for matching errors; RetryOn, when non-empty, restricts retries to
// matching errors and fails everything else.
type Policy struct {
	Name    string
	FailOn  []error
	RetryOn []error
	// MaxTries bounds the number of attempts; 0 means retry forever (until
	// the context is canceled).
	MaxTries uint64
	// Backoff overrides the default 30s + U(1,10) jittered wait when set.
	Backoff backoff.BackOff
}

// Run invokes fn until it succeeds, a permanent error occurs, MaxTries is
// exhausted, or ctx is canceled. Transient failures are only logged once a
// call site has seen logAfterConsecutive of them in a row.
func (p Policy) Run(ctx context.Context, fn func() error) error {
	var consecutive int

	wrapped := func() error {
		err := fn()
		if err == nil {
			consecutive = 0
			return nil
		}

		for _, failErr := range p.FailOn {
			if errors.Is(err, failErr) {
				return backoff.Permanent(err)
			}
		}

		if len(p.RetryOn) > 0 {
			matched := false
			for _, retryErr := range p.RetryOn {
				if errors.Is(err, retryErr) {
					matched = true
					break
				}
			}
			if !matched && !IsTransient(err) {
				return backoff.Permanent(err)
			}
		}

		consecutive++
		if consecutive >= logAfterConsecutive {
			log.Printf("retry: %s failing repeatedly (%d consecutive): %v", p.Name, consecutive, err)
		}
		return err
	}

	b := p.Backoff
	if b == nil {
		b = newJitteredConstant()
	}
	if p.MaxTries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxTries-1)
	}

	if err := backoff.Retry(wrapped, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("%s: %w", p.Name, err)
	}
	return nil
}

// jitteredConstant waits baseBackoff plus a uniform 1-10s jitter between
// attempts, matching the engine's historical pacing.
type jitteredConstant struct{}

func newJitteredConstant() backoff.BackOff { return jitteredConstant{} }

func (jitteredConstant) NextBackOff() time.Duration {
	return baseBackoff + time.Duration(1+rand.Intn(10))*time.Second
}

func (jitteredConstant) Reset() {}

// IsTransient classifies network and database errors that are expected to
// heal on their own: connection resets, timeouts, DNS hiccups, deadlocks,
// and dropped server connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"i/o timeout",
		"use of closed network connection",
		"tls handshake",
		"ssl",
		"no such host",
		"deadlock detected",
		"server closed the connection",
		"too many connections",
		"conn busy",
		"eof",
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// Sleep waits for d or until ctx is canceled, checking cancellation at a
// bounded cadence so stop requests are honored promptly.
func Sleep(ctx context.Context, d time.Duration) error {
	const tick = 200 * time.Millisecond

	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if remaining > tick {
			remaining = tick
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(remaining):
		}
	}
}

// Jitter returns d scaled by a uniform factor in [1-f, 1+f], used to spread
// out herd-prone sleeps.
func Jitter(d time.Duration, f float64) time.Duration {
	scale := 1 + f*(2*rand.Float64()-1)
	return time.Duration(float64(d) * scale)
}
