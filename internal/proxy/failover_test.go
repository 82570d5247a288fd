package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/modelgate/internal/upstream"
)

func testGatewayBare(t *testing.T) *Gateway {
	t.Helper()
	return New(Options{
		Log:                 discardLogger(),
		MaxProviderAttempts: 3,
		SameProviderRetries: 1,
		ProviderTimeout:     5 * time.Second,
	})
}

func okResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestIsRetriable(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !isRetriable(&upstream.StatusError{Code: code}) {
			t.Errorf("status %d should be retriable", code)
		}
	}
	for _, code := range []int{400, 401, 403, 404, 422} {
		if isRetriable(&upstream.StatusError{Code: code}) {
			t.Errorf("status %d should not be retriable", code)
		}
	}
	if !isRetriable(errors.New("connection refused")) {
		t.Error("network errors should be retriable")
	}
	if !isRetriable(context.DeadlineExceeded) {
		t.Error("timeouts should be retriable")
	}
}

func TestAttemptOutcome(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{&upstream.StatusError{Code: 503}, "http_503"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("eof"), "network"},
	}
	for _, tc := range cases {
		if got := attemptOutcome(tc.err); got != tc.want {
			t.Errorf("attemptOutcome(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestCallWithFailoverFirstSucceeds(t *testing.T) {
	g := testGatewayBare(t)
	targets := []upstream.Target{{ProviderName: "a"}, {ProviderName: "b"}}

	calls := 0
	resp, tgt, cancel, err := g.callWithFailover("rid", "m", targets,
		func(_ context.Context, t upstream.Target) (*http.Response, error) {
			calls++
			return okResponse("ok"), nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cancel()
	defer resp.Body.Close()
	if calls != 1 || tgt.ProviderName != "a" {
		t.Errorf("calls=%d provider=%s", calls, tgt.ProviderName)
	}
}

func TestCallWithFailoverMovesToNextProvider(t *testing.T) {
	g := testGatewayBare(t)
	g.sameProviderRetries = 0
	targets := []upstream.Target{{ProviderName: "a"}, {ProviderName: "b"}}

	var tried []string
	resp, tgt, cancel, err := g.callWithFailover("rid", "m", targets,
		func(_ context.Context, t upstream.Target) (*http.Response, error) {
			tried = append(tried, t.ProviderName)
			if t.ProviderName == "a" {
				return nil, &upstream.StatusError{Code: 503, Provider: "a"}
			}
			return okResponse("ok"), nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cancel()
	defer resp.Body.Close()
	if tgt.ProviderName != "b" {
		t.Errorf("winner = %s, want b", tgt.ProviderName)
	}
	if len(tried) != 2 {
		t.Errorf("tried = %v", tried)
	}
}

func TestCallWithFailoverSameProviderRetries(t *testing.T) {
	g := testGatewayBare(t)
	g.sameProviderRetries = 1
	targets := []upstream.Target{{ProviderName: "a"}}

	calls := 0
	resp, _, cancel, err := g.callWithFailover("rid", "m", targets,
		func(_ context.Context, t upstream.Target) (*http.Response, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("connection reset")
			}
			return okResponse("ok"), nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cancel()
	defer resp.Body.Close()
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestCallWithFailoverNonRetriableShortCircuits(t *testing.T) {
	g := testGatewayBare(t)
	targets := []upstream.Target{{ProviderName: "a"}, {ProviderName: "b"}}

	calls := 0
	authErr := &upstream.StatusError{Code: 401, Provider: "a", Body: []byte(`{"error":"bad key"}`)}
	_, tgt, cancel, err := g.callWithFailover("rid", "m", targets,
		func(_ context.Context, t upstream.Target) (*http.Response, error) {
			calls++
			return nil, authErr
		})
	if cancel != nil {
		t.Error("cancel must be nil on error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no failover on 401)", calls)
	}
	if tgt.ProviderName != "a" {
		t.Errorf("target = %s, want a", tgt.ProviderName)
	}
	var se *upstream.StatusError
	if !errors.As(err, &se) || se.Code != 401 {
		t.Errorf("err = %v, want the verbatim 401", err)
	}
}

func TestCallWithFailoverExhausted(t *testing.T) {
	g := testGatewayBare(t)
	g.sameProviderRetries = 0
	targets := []upstream.Target{{ProviderName: "a"}, {ProviderName: "b"}}

	calls := 0
	_, _, _, err := g.callWithFailover("rid", "m", targets,
		func(_ context.Context, t upstream.Target) (*http.Response, error) {
			calls++
			return nil, &upstream.StatusError{Code: 503, Provider: t.ProviderName}
		})
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	var se *upstream.StatusError
	if !errors.As(err, &se) || se.Code != 503 {
		t.Errorf("exhaustion error should wrap the last attempt: %v", err)
	}
}

func TestCallWithFailoverNoTargets(t *testing.T) {
	g := testGatewayBare(t)
	_, _, _, err := g.callWithFailover("rid", "m", nil,
		func(_ context.Context, t upstream.Target) (*http.Response, error) {
			return okResponse("ok"), nil
		})
	if err == nil {
		t.Fatal("expected error for empty target list")
	}
}
