// Package platform is the outbound client for the X API v2 write path:
// create-post and OAuth2 token refresh, with rate-limit header capture.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/qiuyin/flockpost/internal/store"
	"github.com/qiuyin/flockpost/internal/transport"
)

// EndpointCreatePost keys rate-limit snapshots for the write endpoint.
const EndpointCreatePost = "POST /2/tweets"

const requestTimeout = 30 * time.Second

// HTTPProvider hands out per-proxy HTTP clients.
type HTTPProvider interface {
	ClientFor(p *transport.Proxy) *http.Client
}

type Options struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Mock         bool    // MOCK_X_API: synthetic successes, no network
	RPS          float64 // client-side limiter across all accounts
}

type Client struct {
	opts     Options
	provider HTTPProvider
	limiter  *rate.Limiter
	fallback *http.Client
}

func NewClient(opts Options, provider HTTPProvider) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.x.com"
	}
	rps := opts.RPS
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		opts:     opts,
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(rps), 5),
		fallback: &http.Client{Timeout: requestTimeout},
	}
}

// Result is the outcome of a create-post call. Non-2xx responses are
// data, not errors; only transport failures surface as error.
type Result struct {
	StatusCode   int
	PostID       string
	ErrorCode    string
	ErrorMessage string
	RateLimit    store.RateLimit
}

func (r *Result) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// TokenResult is the outcome of an OAuth2 refresh call.
type TokenResult struct {
	StatusCode   int
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	ErrorMessage string
	RateLimit    store.RateLimit
}

func (r *TokenResult) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300 && r.AccessToken != ""
}

func (c *Client) httpClient(proxy *transport.Proxy) *http.Client {
	if c.provider != nil {
		return c.provider.ClientFor(proxy)
	}
	return c.fallback
}

// Publish creates one post with the given bearer token, optionally
// through a per-account proxy.
func (c *Client) Publish(ctx context.Context, accessToken, text string, proxy *transport.Proxy) (*Result, error) {
	if c.opts.Mock {
		limit, remaining := 300, 299
		reset := time.Now().Add(15 * time.Minute).UTC()
		return &Result{
			StatusCode: http.StatusCreated,
			PostID:     "mock-" + uuid.New().String(),
			RateLimit:  store.RateLimit{Limit: &limit, Remaining: &remaining, ResetAt: &reset},
		}, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, _ := json.Marshal(map[string]string{"text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/2/tweets", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := c.httpClient(proxy).Do(req)
	if err != nil {
		return nil, fmt.Errorf("publish request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	res := &Result{
		StatusCode: resp.StatusCode,
		RateLimit:  parseRateLimit(resp.Header),
	}

	if res.OK() {
		var ok struct {
			Data struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		// tolerate malformed success bodies; the status code decides
		_ = json.Unmarshal(respBody, &ok)
		res.PostID = ok.Data.ID
		return res, nil
	}

	res.ErrorCode, res.ErrorMessage = parseErrorBody(respBody, resp.StatusCode)
	return res, nil
}

// RefreshToken exchanges a refresh token for a new access token via the
// OAuth2 token endpoint, HTTP Basic with the configured client creds.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string, proxy *transport.Proxy) (*TokenResult, error) {
	if c.opts.Mock {
		expires := time.Now().Add(time.Hour).UTC()
		return &TokenResult{
			StatusCode:   http.StatusOK,
			AccessToken:  "mock-access-" + uuid.New().String(),
			RefreshToken: refreshToken,
			ExpiresAt:    &expires,
		}, nil
	}

	if c.opts.ClientID == "" || c.opts.ClientSecret == "" {
		return &TokenResult{
			StatusCode:   http.StatusInternalServerError,
			ErrorMessage: "OAuth client credentials are missing",
		}, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.opts.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.opts.BaseURL+"/2/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.opts.ClientID, c.opts.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient(proxy).Do(req)
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	res := &TokenResult{
		StatusCode: resp.StatusCode,
		RateLimit:  parseRateLimit(resp.Header),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, res.ErrorMessage = parseErrorBody(respBody, resp.StatusCode)
		return res, nil
	}

	var tok struct {
		AccessToken  string  `json:"access_token"`
		RefreshToken string  `json:"refresh_token"`
		ExpiresIn    float64 `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &tok); err != nil || tok.AccessToken == "" {
		res.ErrorMessage = "token response missing access_token"
		return res, nil
	}
	res.AccessToken = tok.AccessToken
	res.RefreshToken = tok.RefreshToken
	if tok.ExpiresIn > 0 {
		secs := int64(tok.ExpiresIn)
		if secs < 1 {
			secs = 1
		}
		t := time.Now().Add(time.Duration(secs) * time.Second).UTC()
		res.ExpiresAt = &t
	}
	return res, nil
}
