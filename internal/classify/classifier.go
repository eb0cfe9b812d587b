package classify

import (
	"context"
	"errors"
	"strings"
)

// Type represents the retry disposition of an error
type Type string

const (
	TypeRetryable    Type = "retryable"
	TypeNonRetryable Type = "non_retryable"
	TypeCritical     Type = "critical"
)

// Category identifies the failure mode of an error
type Category string

const (
	CategoryNetwork           Category = "network"
	CategoryTimeout           Category = "timeout"
	CategoryRateLimit         Category = "rate_limit"
	CategoryServer            Category = "server"
	CategoryAuth              Category = "auth"
	CategoryPermission        Category = "permission"
	CategoryClient            Category = "client"
	CategoryCorruption        Category = "corruption"
	CategoryResourceExhausted Category = "resource_exhausted"
	CategoryValidation        Category = "validation"
	CategoryUnknown           Category = "unknown"
)

// Classification is the decision derived for a single error instance
type Classification struct {
	Type      Type
	Category  Category
	Retryable bool
}

// StatusCoder is implemented by errors that carry an HTTP status code
type StatusCoder interface {
	StatusCode() int
}

// Classify maps an error to its classification. Signal-based tests run before
// the generic status-code fallbacks so a corruption error wrapped in a 4xx
// response still escalates.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Type: TypeNonRetryable, Category: CategoryUnknown}
	}

	status := 0
	var sc StatusCoder
	if errors.As(err, &sc) {
		status = sc.StatusCode()
	}

	msg := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, context.DeadlineExceeded) || containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return Classification{Type: TypeRetryable, Category: CategoryTimeout, Retryable: true}

	case containsAny(msg, "connection", "network", "dns", "broken pipe", "connection reset", "no such host", "eof"):
		return Classification{Type: TypeRetryable, Category: CategoryNetwork, Retryable: true}

	case status == 429 || containsAny(msg, "rate limit", "too many requests", "quota exceeded"):
		return Classification{Type: TypeRetryable, Category: CategoryRateLimit, Retryable: true}

	case status >= 500 || containsAny(msg, "internal server error", "bad gateway", "service unavailable", "gateway timeout"):
		return Classification{Type: TypeRetryable, Category: CategoryServer, Retryable: true}

	case status == 401 || containsAny(msg, "unauthorized", "token expired", "authentication"):
		// Retryable so the caller gets one shot at a token refresh
		return Classification{Type: TypeRetryable, Category: CategoryAuth, Retryable: true}

	case status == 403 || containsAny(msg, "permission denied", "forbidden", "access denied"):
		return Classification{Type: TypeNonRetryable, Category: CategoryPermission}

	case containsAny(msg, "corrupt", "checksum mismatch", "data integrity"):
		return Classification{Type: TypeCritical, Category: CategoryCorruption}

	case containsAny(msg, "out of space", "too large", "grid limit", "exceeds limit", "resource exhausted"):
		return Classification{Type: TypeCritical, Category: CategoryResourceExhausted}

	case containsAny(msg, "validation", "invalid value", "malformed"):
		return Classification{Type: TypeNonRetryable, Category: CategoryValidation}

	case status >= 400 && status < 500:
		return Classification{Type: TypeNonRetryable, Category: CategoryClient}
	}

	return Classification{Type: TypeNonRetryable, Category: CategoryUnknown}
}

// IsCritical reports whether the error requires escalation (rollback or
// write-strategy fallback) rather than plain retry bookkeeping.
func IsCritical(err error) bool {
	return Classify(err).Type == TypeCritical
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
