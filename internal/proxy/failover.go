package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nulpointcorp/modelgate/internal/upstream"
)

// retriableStatus holds the upstream status codes that trigger failover.
// Everything else in the 4xx range is the authoritative answer and is
// passed through verbatim.
var retriableStatus = map[int]bool{
	429: true, 500: true, 502: true, 503: true, 504: true,
}

// attemptFunc issues one upstream call against one target.
type attemptFunc func(ctx context.Context, t upstream.Target) (*http.Response, error)

// isRetriable reports whether an attempt error should move failover along.
// Network errors and timeouts are retriable; a StatusError only when its
// code is in retriableStatus.
func isRetriable(err error) bool {
	var se *upstream.StatusError
	if errors.As(err, &se) {
		return retriableStatus[se.Code]
	}
	return true
}

// attemptOutcome converts an attempt error into a metrics label.
func attemptOutcome(err error) string {
	if err == nil {
		return "success"
	}
	var se *upstream.StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("http_%d", se.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "network"
}

// callWithFailover walks the pre-ordered targets. Each attempt runs under
// its own context derived from context.Background(), never from the client
// connection; the returned cancel releases the winning attempt's deadline
// and must be called after the response body is drained.
//
// A non-retriable StatusError short-circuits and is returned as-is so the
// handler can forward the upstream answer verbatim.
func (g *Gateway) callWithFailover(
	requestID, model string,
	targets []upstream.Target,
	call attemptFunc,
) (*http.Response, upstream.Target, context.CancelFunc, error) {

	var lastErr error
	prev := ""

	for _, t := range targets {
		if prev != "" {
			g.metrics.RecordFailover(prev, t.ProviderName)
		}

		for try := 0; try <= g.sameProviderRetries; try++ {
			attemptCtx, cancel := context.WithTimeout(context.Background(), g.providerTimeout)
			start := time.Now()
			resp, err := call(attemptCtx, t)
			dur := time.Since(start)
			g.metrics.ObserveUpstreamAttempt(t.ProviderName, attemptOutcome(err), dur)

			if err == nil {
				return resp, t, cancel, nil
			}
			cancel()
			lastErr = err

			g.log.Warn("upstream_attempt_failed",
				slog.String("request_id", requestID),
				slog.String("model", model),
				slog.String("provider", t.ProviderName),
				slog.Int("try", try),
				slog.String("outcome", attemptOutcome(err)),
				slog.String("error", err.Error()),
			)

			if !isRetriable(err) {
				return nil, t, nil, err
			}
		}
		prev = t.ProviderName
	}

	g.metrics.RecordFailoverExhausted(model)
	if lastErr == nil {
		lastErr = fmt.Errorf("proxy: no upstream candidates for %s", model)
	}
	return nil, upstream.Target{}, nil, fmt.Errorf("proxy: all providers failed: %w", lastErr)
}
