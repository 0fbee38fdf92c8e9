package hostsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hostfolio/rentals_backend/utils"
	"github.com/sirupsen/logrus"
)

const (
	// MaxRetries bounds the attempts for one logical call, covering
	// timeouts, connection/DNS failures and 5xx responses.
	MaxRetries = 5

	backoffBase = time.Second
	backoffCap  = 30 * time.Second

	// RateLimitRetryDelay is the fixed sleep applied on HTTP 429. These
	// retries do not consume the exponential-backoff budget but are
	// bounded separately so a throttling upstream can never hang a run.
	RateLimitRetryDelay = 10 * time.Second

	tokenExpiryBuffer = 5 * time.Minute
)

var (
	ErrNotFound   = errors.New("hostaway: not found")
	ErrAuthFailed = errors.New("hostaway: authentication failed")
)

// Client talks to the Hostaway public API. It is stateless apart from
// the cached bearer token and may be shared by every syncer of one run.
type Client struct {
	baseURL  string
	clientId string
	secret   string
	http     *http.Client
	logger   *logrus.Logger

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time
}

func NewClient(clientId, secret string, logger *logrus.Logger) (*Client, error) {
	if strings.TrimSpace(clientId) == "" || strings.TrimSpace(secret) == "" {
		return nil, errors.New("hostaway client id and secret are required")
	}
	baseURL := strings.TrimSpace(os.Getenv("HOSTAWAY_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.hostaway.com"
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientId: clientId,
		secret:   secret,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		sleep:    time.Sleep,
	}, nil
}

type apiEnvelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// GetToken returns the cached bearer token, refreshing it through the
// client-credentials grant when it is within the expiry buffer.
func (c *Client) GetToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpiresAt.Add(-tokenExpiryBuffer)) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientId)
	form.Set("client_secret", c.secret)
	form.Set("scope", "general")

	body, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/accessTokens", strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrNotFound) {
			// Without a token no entity work can proceed.
			return "", fmt.Errorf("%w: token endpoint rejected credentials", ErrAuthFailed)
		}
		return "", err
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrAuthFailed)
	}

	c.mu.Lock()
	c.token = parsed.AccessToken
	c.tokenExpiresAt = time.Now().Add(time.Duration(parsed.ExpiresIn) * time.Second)
	c.mu.Unlock()
	return parsed.AccessToken, nil
}

// Get performs an authenticated GET and returns the envelope result.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values) (json.RawMessage, error) {
	token, err := c.GetToken(ctx)
	if err != nil {
		return nil, err
	}

	target := c.baseURL + endpoint
	if len(params) > 0 {
		target = target + "?" + params.Encode()
	}

	body, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decode response for %s: %w", endpoint, err)
	}
	return envelope.Result, nil
}

// GetList is Get for endpoints whose result is an array.
func (c *Client) GetList(ctx context.Context, endpoint string, params url.Values) ([]json.RawMessage, error) {
	result, err := c.Get(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(result, &items); err != nil {
		return nil, fmt.Errorf("decode result list for %s: %w", endpoint, err)
	}
	return items, nil
}

// doWithRetry runs one logical call with the full retry policy. The
// request is rebuilt on every attempt because a *http.Request body can
// only be consumed once.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr error
	rateLimitRetries := 0

	for attempt := 0; attempt < MaxRetries; attempt++ {
		if attempt > 0 {
			sleep := backoffBase << (attempt - 1)
			if sleep > backoffCap {
				sleep = backoffCap
			}
			c.sleep(sleep)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Timeout, DNS or connection failure: transient.
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if rateLimitRetries >= MaxRetries {
				return nil, fmt.Errorf("hostaway rate limited after %d delayed retries", rateLimitRetries)
			}
			rateLimitRetries++
			if c.logger != nil {
				fields := logrus.Fields{"module": "hostsync"}
				if runId, ok := utils.GetSyncRunIdFromContext(ctx); ok {
					fields["sync_run_id"] = runId
				}
				c.logger.WithFields(fields).Warnf("rate limited by hostaway, sleeping %s", RateLimitRetryDelay)
			}
			c.sleep(RateLimitRetryDelay)
			attempt-- // 429 retries live outside the backoff budget
			continue

		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: status %d: %s", ErrAuthFailed, resp.StatusCode, strings.TrimSpace(string(body)))

		case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
			return nil, fmt.Errorf("hostaway api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("hostaway api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			continue

		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, fmt.Errorf("hostaway api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		if readErr != nil {
			lastErr = readErr
			continue
		}
		return body, nil
	}
	return nil, fmt.Errorf("hostaway request failed after %d attempts: %w", MaxRetries, lastErr)
}
