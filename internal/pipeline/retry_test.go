package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amillerrr/revspot-vision/pkg/models"
)

var testPolicy = retryPolicy{timeout: time.Second, maxTries: 3, interval: time.Millisecond}

func TestRetry(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"succeeds first time", 0, nil, 1, false},
		{"recovers after transient failures", 2, errors.New("503"), 3, false},
		{"gives up after max tries", 5, errors.New("503"), 3, true},
		{"auth errors are permanent", 5, models.ErrNotAuthenticated, 1, true},
		{"validation errors are permanent", 5, models.ErrMissingName, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := retry(context.Background(), testPolicy, "test", func(ctx context.Context) (string, error) {
				calls++
				if calls <= tt.failures {
					return "", tt.err
				}
				return "ok", nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("retry() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != "ok" {
				t.Errorf("retry() = %q, want ok", got)
			}
			if tt.wantErr && !errors.Is(err, tt.err) {
				t.Errorf("retry() error = %v, want %v", err, tt.err)
			}
		})
	}
}

func TestRetry_PerAttemptTimeout(t *testing.T) {
	p := retryPolicy{timeout: 10 * time.Millisecond, maxTries: 2, interval: time.Millisecond}
	calls := 0
	_, err := retry(context.Background(), p, "slow", func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetry_StopsWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := retry(ctx, testPolicy, "canceled", func(ctx context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("boom")
	})
	if err == nil {
		t.Fatal("retry() expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}
