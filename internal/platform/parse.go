package platform

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/qiuyin/flockpost/internal/store"
)

// parseRateLimit reads the x-rate-limit-{limit,remaining,reset} headers.
// reset is epoch seconds.
func parseRateLimit(h http.Header) store.RateLimit {
	var rl store.RateLimit
	if v := h.Get("x-rate-limit-limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rl.Limit = &n
		}
	}
	if v := h.Get("x-rate-limit-remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			rl.Remaining = &n
		}
	}
	if v := h.Get("x-rate-limit-reset"); v != "" {
		if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.Unix(ts, 0).UTC()
			rl.ResetAt = &t
		}
	}
	return rl
}

// errorBody matches the loosely shaped error payloads the Platform
// returns across its endpoints.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
	Title   string `json:"title"`
	Errors  []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// parseErrorBody picks the most specific error text available, falling
// back over message, detail, title and errors[0].message. Malformed
// JSON never escalates; it yields a synthetic message.
func parseErrorBody(body []byte, status int) (code, message string) {
	fallback := fmt.Sprintf("x_publish_failed_%d", status)

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return "", fallback
	}

	switch {
	case eb.Message != "":
		message = eb.Message
	case eb.Detail != "":
		message = eb.Detail
	case eb.Title != "":
		message = eb.Title
	case len(eb.Errors) > 0 && eb.Errors[0].Message != "":
		message = eb.Errors[0].Message
	default:
		message = fallback
	}
	return eb.Error, message
}
