package hosting

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/go-github/v55/github"
)

func TestClassifyRateLimit(t *testing.T) {
	err := classify(&github.RateLimitError{
		Rate: github.Rate{Reset: github.Timestamp{Time: time.Now().Add(30 * time.Second)}},
	})
	var retryable *RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("rate limit should be retryable, got %T", err)
	}
	if retryable.RetryAfter <= 0 || retryable.RetryAfter > time.Minute {
		t.Fatalf("retry-after not taken from reset time: %s", retryable.RetryAfter)
	}
}

func TestClassifyAbuseRateLimit(t *testing.T) {
	after := 45 * time.Second
	err := classify(&github.AbuseRateLimitError{RetryAfter: &after})
	var retryable *RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("abuse rate limit should be retryable, got %T", err)
	}
	if retryable.RetryAfter != after {
		t.Fatalf("retry-after %s, want %s", retryable.RetryAfter, after)
	}
}

func TestClassifyDefinitiveRejections(t *testing.T) {
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity} {
		err := classify(&github.ErrorResponse{
			Response: &http.Response{StatusCode: code, Request: &http.Request{}},
		})
		var rejected *RejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("status %d should be a rejection, got %T", code, err)
		}
	}
}

func TestClassifyServerErrorsAreRetryable(t *testing.T) {
	err := classify(&github.ErrorResponse{
		Response: &http.Response{StatusCode: http.StatusBadGateway, Request: &http.Request{}},
	})
	var retryable *RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("502 should be retryable, got %T", err)
	}
	if retryable.RetryAfter != 0 {
		t.Fatalf("no suggested delay expected, got %s", retryable.RetryAfter)
	}
}

func TestClassifyNetworkError(t *testing.T) {
	err := classify(errors.New("dial tcp: connection refused"))
	var retryable *RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("network error should be retryable, got %T", err)
	}
}
