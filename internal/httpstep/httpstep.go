// Package httpstep is an outbound HTTP helper for job step bodies. It is
// a library call meant to be wrapped inside execution.Context.Run, not a
// standalone poller: callers build the *http.Request themselves and Do
// classifies the response so the surrounding Run's retry policy knows
// whether the failure is worth retrying.
package httpstep

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minisource/taskqueue/internal/canon"
)

// Result is what Do returns on a completed round trip (status < 400, or a
// classified error already folded in).
type Result struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	Duration   time.Duration
}

// Client is the surface Do needs; *http.Client satisfies it.
type Client interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultClient is used when Do is called without one, mirroring the
// teacher's 30s-timeout default.
var DefaultClient Client = &http.Client{Timeout: 30 * time.Second}

// MaxBodyBytes caps how much of a response body Do reads, guarding a step
// body against an unbounded remote response.
const MaxBodyBytes = 1 << 20

// Do executes req against client (or DefaultClient if nil), reads the
// response body up to MaxBodyBytes, and classifies 4xx as a
// canon.NonRecoverableError (no point retrying a client error) while
// leaving 5xx/429 and transport errors as ordinary errors so the caller's
// Run retry policy applies.
func Do(ctx context.Context, req *http.Request, client Client) (*Result, error) {
	if client == nil {
		client = DefaultClient
	}
	req = req.WithContext(ctx)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpstep: round trip: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("httpstep: read body: %w", err)
	}

	result := &Result{
		StatusCode: resp.StatusCode,
		Body:       body,
		Headers:    resp.Header,
		Duration:   time.Since(start),
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return result, fmt.Errorf("httpstep: http %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return result, canon.NewNonRecoverable(
			fmt.Sprintf("http %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)), nil)
	}

	return result, nil
}
