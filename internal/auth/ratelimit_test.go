package auth

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_IsLimited(t *testing.T) {
	config := RateLimiterConfig{
		MaxFailedAttempts: 3,
		Window:            time.Minute,
		CleanupInterval:   time.Minute,
	}
	rl := NewRateLimiter(config)
	defer rl.Stop()

	ip := "192.168.1.1"

	if rl.IsLimited(ip) {
		t.Error("new IP should not be limited")
	}

	rl.RecordFailure(ip)
	rl.RecordFailure(ip)
	if rl.IsLimited(ip) {
		t.Error("IP should not be limited after 2 failures")
	}

	rl.RecordFailure(ip)
	if !rl.IsLimited(ip) {
		t.Error("IP should be limited after 3 failures")
	}
	if rl.RetryAfter(ip) <= 0 {
		t.Error("RetryAfter() should be positive while limited")
	}

	rl.Reset(ip)
	if rl.IsLimited(ip) {
		t.Error("IP should not be limited after reset")
	}
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(RateLimiterConfig{
		MaxFailedAttempts: 2,
		Window:            time.Minute,
		CleanupInterval:   time.Hour,
	})
	defer rl.Stop()
	rl.now = func() time.Time { return now }

	ip := "10.0.0.1"
	rl.RecordFailure(ip)
	rl.RecordFailure(ip)
	if !rl.IsLimited(ip) {
		t.Fatal("IP should be limited")
	}

	now = now.Add(2 * time.Minute)
	if rl.IsLimited(ip) {
		t.Error("IP should not be limited after window expires")
	}

	rl.removeExpired()
	rl.mu.Lock()
	_, exists := rl.failures[ip]
	rl.mu.Unlock()
	if exists {
		t.Error("expired entry should be removed")
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		xri        string
		remoteAddr string
		want       string
	}{
		{"X-Forwarded-For single", "192.168.1.1", "", "127.0.0.1:8080", "192.168.1.1"},
		{"X-Forwarded-For multiple", "192.168.1.1, 10.0.0.1, 172.16.0.1", "", "127.0.0.1:8080", "192.168.1.1"},
		{"X-Real-IP", "", "192.168.1.1", "127.0.0.1:8080", "192.168.1.1"},
		{"RemoteAddr with port", "", "", "192.168.1.1:12345", "192.168.1.1"},
		{"RemoteAddr without port", "", "", "192.168.1.1", "192.168.1.1"},
		{"IPv6 RemoteAddr", "", "", "[::1]:8080", "::1"},
		{"X-Forwarded-For takes precedence", "10.0.0.1", "192.168.1.1", "127.0.0.1:8080", "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			got := GetClientIP(req)
			if got != tt.want {
				t.Errorf("GetClientIP() = %s, want %s", got, tt.want)
			}
		})
	}
}
