package attribution

import (
	"net/http/httptest"
	"testing"
)

func TestDefaultFromEnv(t *testing.T) {
	t.Setenv("LTM_SOURCE", "companion")
	got := defaultUncached()
	if got != "companion" {
		t.Errorf("expected companion, got %s", got)
	}
}

func TestDefaultFallback(t *testing.T) {
	t.Setenv("LTM_SOURCE", "  ")
	got := defaultUncached()
	if got != "api" {
		t.Errorf("expected api, got %s", got)
	}
}

func TestFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		ua     string
		want   string
	}{
		{"header wins", "chat-frontend", "companion-bot/2.1", "chat-frontend"},
		{"user agent product", "", "Companion-Bot/2.1 (linux)", "companion-bot"},
		{"generic client", "", "Go-http-client/1.1", Default()},
		{"curl", "", "curl/8.4.0", Default()},
		{"nothing", "", "", Default()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/v1/memories", nil)
			r.Header.Del("User-Agent")
			if tt.header != "" {
				r.Header.Set(Header, tt.header)
			}
			if tt.ua != "" {
				r.Header.Set("User-Agent", tt.ua)
			}
			if got := FromRequest(r); got != tt.want {
				t.Errorf("FromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFromRequestTruncates(t *testing.T) {
	r := httptest.NewRequest("POST", "/", nil)
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	r.Header.Set(Header, string(long))
	if got := FromRequest(r); len(got) != 64 {
		t.Errorf("expected 64 bytes, got %d", len(got))
	}
}
