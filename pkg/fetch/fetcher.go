package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// RetryPolicy controls Fetcher's retry loop.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// RetryPolicyFrom extracts the retry settings of a validated config.
func RetryPolicyFrom(cfg *config.AppConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialRetryDelay,
		MaxDelay:     cfg.MaxRetryDelay,
	}
}

// backoff returns the jittered delay before retry number attempt (1-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(2, float64(attempt-1)))
	if delay <= 0 || (p.MaxDelay > 0 && delay > p.MaxDelay) {
		delay = p.MaxDelay
	}
	if delay <= 0 {
		return 0
	}
	// +/- 10%
	if spread := int64(delay) / 5; spread > 0 {
		delay += time.Duration(rand.Int63n(spread)) - delay/10
	}
	return max(delay, 0)
}

// Fetcher makes HTTP requests with retry, using an underlying http.Client
type Fetcher struct {
	client *http.Client
	policy RetryPolicy
	log    *logrus.Entry
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, policy RetryPolicy, log *logrus.Entry) *Fetcher {
	return &Fetcher{
		client: client,
		policy: policy,
		log:    log,
	}
}

// Fetch performs req with exponential backoff and jitter for network errors,
// 5xx and 429 responses. A 429 carrying Retry-After waits at least that long.
//
// On success the caller owns resp.Body. For non-retryable 4xx and other
// statuses the response is returned together with the error and the caller
// must close the body as well.
func (f *Fetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	var retryAfter time.Duration
	reqLog := f.log.WithField("url", req.URL.String())

	for attempt := 0; attempt <= f.policy.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, fmt.Errorf("context cancelled (%v) during retry after error: %w", err, lastErr)
			}
			return nil, err
		}

		if attempt > 0 {
			delay := max(f.policy.backoff(attempt), retryAfter)
			retryAfter = 0
			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": f.policy.MaxRetries, "delay": delay}).Warn("Retrying request...")

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", ctx.Err(), lastErr)
			}
		}

		resp, err := f.client.Do(req.WithContext(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			reqLog.WithField("attempt", attempt).Warnf("Network error: %v", err)
			lastErr = err
			continue
		}

		statusCode := resp.StatusCode
		resLog := reqLog.WithFields(logrus.Fields{"status_code": statusCode, "attempt": attempt})

		switch {
		case statusCode >= 200 && statusCode < 300:
			resLog.Debug("Successfully fetched")
			return resp, nil

		case statusCode >= 500:
			resLog.Warn("Server error, retrying...")
			lastErr = fmt.Errorf("%w: status %d %s", utils.ErrServerHTTPError, statusCode, resp.Status)
			drain(resp)

		case statusCode == http.StatusTooManyRequests:
			resLog.Warn("Received 429 Too Many Requests, retrying...")
			retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), f.policy.MaxDelay)
			lastErr = fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, statusCode, resp.Status)
			drain(resp)

		case statusCode >= 400 && statusCode < 500:
			resLog.Debug("Client error (4xx), not retrying")
			return resp, fmt.Errorf("%w: status %d %s", utils.ErrClientHTTPError, statusCode, resp.Status)

		default:
			resLog.Warnf("Non-retryable/unexpected status: %d", statusCode)
			return resp, fmt.Errorf("%w: status %d %s", utils.ErrOtherHTTPError, statusCode, resp.Status)
		}
	}

	reqLog.Errorf("All %d fetch attempts failed. Last error: %v", f.policy.MaxRetries+1, lastErr)
	return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// parseRetryAfter understands both the delta-seconds and HTTP-date forms.
// The result is capped at limit when limit is positive.
func parseRetryAfter(v string, limit time.Duration) time.Duration {
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(v); err == nil {
		d = time.Until(at)
	}
	if d < 0 {
		d = 0
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}
