package hostsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	t.Setenv("HOSTAWAY_API_BASE_URL", serverURL)
	client, err := NewClient("test-client", "test-secret", quietLogger())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.sleep = func(time.Duration) {}
	return client
}

func tokenResponse(w http.ResponseWriter) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token": "tok-1",
		"expires_in":   3600,
	})
}

func TestGetTokenCachesUntilExpiry(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/accessTokens" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "client_credentials" {
			t.Fatalf("grant_type = %q", got)
		}
		tokenCalls.Add(1)
		tokenResponse(w)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		token, err := client.GetToken(ctx)
		if err != nil {
			t.Fatalf("GetToken: %v", err)
		}
		if token != "tok-1" {
			t.Fatalf("token = %q", token)
		}
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", n)
	}
}

func TestGetTokenAuthFailureIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.GetToken(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("auth failure retried %d times, want no retries", n)
	}
}

func TestGetRetriesServerErrorsUpToBound(t *testing.T) {
	var apiCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/accessTokens" {
			tokenResponse(w)
			return
		}
		apiCalls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Get(context.Background(), "/v1/listings", nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if n := apiCalls.Load(); n != MaxRetries {
		t.Fatalf("server hit %d times, want %d", n, MaxRetries)
	}
}

func TestGetRecoversAfterTransientServerError(t *testing.T) {
	var apiCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/accessTokens" {
			tokenResponse(w)
			return
		}
		if apiCalls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"result": []map[string]interface{}{{"id": 101}},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	items, err := client.GetList(context.Background(), "/v1/listings", nil)
	if err != nil {
		t.Fatalf("GetList: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("items = %d, want 1", len(items))
	}
}

func TestRateLimitRetriesAreBounded(t *testing.T) {
	var apiCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/accessTokens" {
			tokenResponse(w)
			return
		}
		apiCalls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	var slept []time.Duration
	client.sleep = func(d time.Duration) { slept = append(slept, d) }

	_, err := client.Get(context.Background(), "/v1/listings", nil)
	if err == nil {
		t.Fatal("expected error from a permanently throttling upstream")
	}
	if n := apiCalls.Load(); n != MaxRetries+1 {
		t.Fatalf("server hit %d times, want %d", n, MaxRetries+1)
	}
	for _, d := range slept {
		if d != RateLimitRetryDelay {
			t.Fatalf("unexpected sleep %s during rate limiting", d)
		}
	}
}

func TestBadRequestIsNotRetried(t *testing.T) {
	var apiCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/accessTokens" {
			tokenResponse(w)
			return
		}
		apiCalls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Get(context.Background(), "/v1/listings", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if n := apiCalls.Load(); n != 1 {
		t.Fatalf("bad request retried %d times", n)
	}
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/accessTokens" {
			tokenResponse(w)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.Get(context.Background(), "/v1/listings/99", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelledContextStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/accessTokens" {
			tokenResponse(w)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := client.GetToken(ctx); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	client.sleep = func(time.Duration) { cancel() }

	_, err := client.Get(ctx, "/v1/listings", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
