package reliapierr

import (
	"net/http"
	"testing"
)

func TestNormalizeStatusLabel(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   string
	}{
		{"ok 200", 200, "200"},
		{"created collapses to 200", 201, "200"},
		{"redirect collapses to 200", 302, "200"},
		{"bad request 400", 400, "400"},
		{"unauthorized 401", 401, "401"},
		{"forbidden 403", 403, "403"},
		{"not found 404", 404, "404"},
		{"conflict 409", 409, "409"},
		{"rate limit 429", 429, "429"},
		{"unprocessable collapses to 4xx", 422, "4xx"},
		{"teapot collapses to 4xx", 418, "4xx"},
		{"internal 500", 500, "500"},
		{"bad gateway 502", 502, "502"},
		{"unavailable 503", 503, "503"},
		{"gateway timeout 504", 504, "504"},
		{"other 5xx collapses", 599, "5xx"},
		{"zero is unknown", 0, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeStatusLabel(tt.status); got != tt.want {
				t.Errorf("NormalizeStatusLabel(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestFromUpstreamStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCode  Code
		retryable bool
	}{
		{"429 is retryable provider error", 429, CodeProviderError, true},
		{"500 is retryable server error", 500, CodeServerError, true},
		{"503 is retryable server error", 503, CodeServerError, true},
		{"400 is non-retryable client error", 400, CodeClientError, false},
		{"404 is non-retryable client error", 404, CodeClientError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := FromUpstreamStatus(tt.status, "boom")
			if e.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", e.Code, tt.wantCode)
			}
			if e.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", e.Retryable, tt.retryable)
			}
			if e.Source != SourceUpstream {
				t.Errorf("source = %q, want upstream", e.Source)
			}
		})
	}
}

func TestErrorHTTPStatusCode(t *testing.T) {
	if got := NewRateLimited("slow down", 0.5).HTTPStatusCode(); got != http.StatusTooManyRequests {
		t.Errorf("rate limit status = %d, want 429", got)
	}
	if got := New(CodeBudgetExceeded, "over cap").HTTPStatusCode(); got != http.StatusBadRequest {
		t.Errorf("budget status = %d, want 400", got)
	}
	if got := New(CodeStreamAlreadyInProgress, "busy").HTTPStatusCode(); got != http.StatusConflict {
		t.Errorf("stream conflict status = %d, want 409", got)
	}
	if got := New(CodeNetworkError, "dial fail").HTTPStatusCode(); got != http.StatusBadGateway {
		t.Errorf("network status = %d, want 502", got)
	}
}

func TestAsError(t *testing.T) {
	orig := NewBadRequest("nope")
	if AsError(orig) != orig {
		t.Error("AsError should return the original *Error")
	}
	wrapped := AsError(http.ErrBodyNotAllowed)
	if wrapped.Code != CodeInternalError {
		t.Errorf("wrapped code = %s, want INTERNAL_ERROR", wrapped.Code)
	}
	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}
}
