package reliability

import (
	"errors"
	"testing"
	"time"

	"github.com/ent0n29/memsync/internal/apperr"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{429, true},
		{500, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("eof"), true},
		{"network", apperr.New(apperr.KindNetwork, "upload", "Network error during upload"), true},
		{"gateway", apperr.New(apperr.KindGateway, "flush", "ollama down"), true},
		{"unauthenticated", apperr.New(apperr.KindUnauthenticated, "upload", "Not authenticated"), false},
		{"rejected token", &apperr.Error{Kind: apperr.KindAuth, Status: 401}, false},
		{"server busy", &apperr.Error{Kind: apperr.KindPersistence, Status: 503}, true},
		{"bad request", &apperr.Error{Kind: apperr.KindValidation, Status: 400}, false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("%s: IsRetryable() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
