package azuredevops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"429", &APIError{StatusCode: http.StatusTooManyRequests}, true},
		{"500", &APIError{StatusCode: http.StatusInternalServerError}, true},
		{"503 wrapped", fmt.Errorf("get pr: %w", &APIError{StatusCode: http.StatusServiceUnavailable}), true},
		{"400", &APIError{StatusCode: http.StatusBadRequest}, false},
		{"403", &APIError{StatusCode: http.StatusForbidden}, false},
		{"409", &APIError{StatusCode: http.StatusConflict}, false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransientError(tt.err); got != tt.want {
				t.Errorf("IsTransientError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), func() (int, error) {
		calls++
		return 0, &APIError{StatusCode: http.StatusForbidden}
	}, RetryOptions{MaxRetries: 3, BaseDelay: time.Millisecond})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestWithRetryExhausts(t *testing.T) {
	calls := 0
	var retried []int
	_, err := WithRetry(context.Background(), func() (int, error) {
		calls++
		return 0, &APIError{StatusCode: http.StatusBadGateway}
	}, RetryOptions{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		OnRetry: func(attempt int, _ time.Duration, _ error) {
			retried = append(retried, attempt)
		},
	})

	if code, _ := StatusCode(err); code != http.StatusBadGateway {
		t.Errorf("final error status = %d, want 502", code)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("OnRetry attempts = %v, want [1 2]", retried)
	}
}

func TestWithRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := WithRetry(ctx, func() (int, error) {
		return 0, &APIError{StatusCode: http.StatusServiceUnavailable}
	}, RetryOptions{MaxRetries: 5, BaseDelay: time.Hour})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
