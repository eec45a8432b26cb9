package llm

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket in front of
// a Client: it estimates the token cost of each request, blocks the caller
// until budget is available, and adjusts its effective tokens-per-minute
// budget in response to ErrRateLimited from the wrapped client. One instance
// wraps one provider client for the process's lifetime.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64
}

// NewAdaptiveRateLimiter builds a limiter starting at initialTPM tokens per
// minute, never exceeding maxTPM. initialTPM defaults to 60000 when <= 0;
// maxTPM is clamped up to initialTPM when it is smaller.
func NewAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap returns a Client that enforces the limiter's current budget before
// delegating every Complete call to next.
func (l *AdaptiveRateLimiter) Wrap(next Client) Client {
	if next == nil {
		return nil
	}
	return &limitedClient{next: next, limiter: l}
}

type limitedClient struct {
	next    Client
	limiter *AdaptiveRateLimiter
}

func (c *limitedClient) Complete(ctx context.Context, req Request) (Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return Response{}, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(err)
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req Request) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	l.setTPMLocked(newTPM)
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()
	defer l.mu.Unlock()
	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	l.setTPMLocked(newTPM)
}

func (l *AdaptiveRateLimiter) setTPMLocked(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens is a cheap heuristic for the number of tokens a request
// will cost: message text length over 3 (roughly chars-per-token) plus a
// fixed buffer for system prompt and provider framing overhead.
func estimateTokens(req Request) int {
	charCount := 0
	for _, m := range req.Messages {
		charCount += len(m.Content)
	}
	for _, tr := range req.ToolResults {
		charCount += len(tr.Content)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
