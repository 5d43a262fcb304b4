package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestPublishSuccess(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/2/tweets" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotBody = req["text"]

		w.Header().Set("x-rate-limit-limit", "300")
		w.Header().Set("x-rate-limit-remaining", "298")
		w.Header().Set("x-rate-limit-reset", strconv.FormatInt(time.Now().Add(15*time.Minute).Unix(), 10))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"data":{"id":"p1","text":"hello"}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, RPS: 100}, nil)
	res, err := c.Publish(context.Background(), "tok-123", "hello", nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !res.OK() || res.PostID != "p1" {
		t.Fatalf("result = %+v", res)
	}
	if gotAuth != "Bearer tok-123" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotBody != "hello" {
		t.Fatalf("text = %q", gotBody)
	}
	if res.RateLimit.Limit == nil || *res.RateLimit.Limit != 300 {
		t.Fatalf("rate limit = %+v", res.RateLimit)
	}
	if res.RateLimit.Remaining == nil || *res.RateLimit.Remaining != 298 {
		t.Fatalf("rate limit = %+v", res.RateLimit)
	}
	if res.RateLimit.ResetAt == nil {
		t.Fatal("resetAt missing")
	}
}

func TestPublishErrorBodies(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		body        string
		wantCode    string
		wantMessage string
	}{
		{"detail field", 403, `{"detail":"account suspended"}`, "", "account suspended"},
		{"message wins", 429, `{"message":"rate limited","detail":"other"}`, "", "rate limited"},
		{"title fallback", 400, `{"title":"Bad Request"}`, "", "Bad Request"},
		{"errors array", 400, `{"errors":[{"message":"dup content"}]}`, "", "dup content"},
		{"error code", 401, `{"error":"invalid_token","message":"expired"}`, "invalid_token", "expired"},
		{"malformed body", 500, `<html>gateway error</html>`, "", "x_publish_failed_500"},
		{"empty object", 503, `{}`, "", "x_publish_failed_503"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewClient(Options{BaseURL: srv.URL, RPS: 100}, nil)
			res, err := c.Publish(context.Background(), "tok", "text", nil)
			if err != nil {
				t.Fatalf("publish: %v", err)
			}
			if res.OK() {
				t.Fatalf("status %d should not be OK", tc.status)
			}
			if res.StatusCode != tc.status || res.ErrorCode != tc.wantCode || res.ErrorMessage != tc.wantMessage {
				t.Fatalf("result = %+v, want code=%q message=%q", res, tc.wantCode, tc.wantMessage)
			}
		})
	}
}

func TestPublishMock(t *testing.T) {
	c := NewClient(Options{Mock: true}, nil)
	res, err := c.Publish(context.Background(), "", "text", nil)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !res.OK() || !strings.HasPrefix(res.PostID, "mock-") {
		t.Fatalf("mock result = %+v", res)
	}
	if res.RateLimit.Remaining == nil {
		t.Fatal("mock should synthesize rate-limit metadata")
	}
}

func TestRefreshTokenSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/oauth2/token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "cid" || pass != "csecret" {
			t.Errorf("basic auth = %q:%q ok=%v", user, pass, ok)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "refresh_token" || r.PostForm.Get("refresh_token") != "rt-1" {
			t.Errorf("form = %v", r.PostForm)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
			"expires_in":    7200.0,
		})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, ClientID: "cid", ClientSecret: "csecret", RPS: 100}, nil)
	res, err := c.RefreshToken(context.Background(), "rt-1", nil)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !res.OK() || res.AccessToken != "at-2" || res.RefreshToken != "rt-2" {
		t.Fatalf("result = %+v", res)
	}
	if res.ExpiresAt == nil {
		t.Fatal("expiresAt missing")
	}
	until := time.Until(*res.ExpiresAt)
	if until < 7100*time.Second || until > 7300*time.Second {
		t.Fatalf("expiresAt %v not near now+7200s", res.ExpiresAt)
	}
}

func TestRefreshTokenMissingCredentials(t *testing.T) {
	c := NewClient(Options{BaseURL: "http://unused.invalid"}, nil)
	res, err := c.RefreshToken(context.Background(), "rt", nil)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.OK() {
		t.Fatal("missing credentials must not succeed")
	}
	if res.StatusCode != http.StatusInternalServerError || res.ErrorMessage != "OAuth client credentials are missing" {
		t.Fatalf("result = %+v", res)
	}
}

func TestRefreshTokenMissingAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token_type":"bearer"}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, ClientID: "cid", ClientSecret: "cs", RPS: 100}, nil)
	res, err := c.RefreshToken(context.Background(), "rt", nil)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.OK() {
		t.Fatal("2xx without access_token must not be OK")
	}
	if res.ErrorMessage != "token response missing access_token" {
		t.Fatalf("message = %q", res.ErrorMessage)
	}
}

func TestRefreshTokenRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"revoked"}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, ClientID: "cid", ClientSecret: "cs", RPS: 100}, nil)
	res, err := c.RefreshToken(context.Background(), "rt", nil)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if res.OK() || res.StatusCode != http.StatusBadRequest {
		t.Fatalf("result = %+v", res)
	}
	if res.ErrorMessage == "" {
		t.Fatal("error message should be filled")
	}
}

func TestParseRateLimitIgnoresGarbage(t *testing.T) {
	h := http.Header{}
	h.Set("x-rate-limit-limit", "not-a-number")
	h.Set("x-rate-limit-remaining", "5")
	rl := parseRateLimit(h)
	if rl.Limit != nil {
		t.Fatalf("garbage limit parsed: %v", *rl.Limit)
	}
	if rl.Remaining == nil || *rl.Remaining != 5 {
		t.Fatalf("remaining = %v", rl.Remaining)
	}
	if rl.ResetAt != nil {
		t.Fatal("resetAt should be nil when header absent")
	}
}
