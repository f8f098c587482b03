// Package errors classifies provider and tool failures and implements the
// retry and backoff policies shared by the traffic controller and the node
// executor.
//
// The classification drives three decisions:
//   - rate limits put the provider into cooldown and are retried by the traffic controller
//   - transient failures are retried when a node opts into retries
//   - everything else surfaces immediately as a node failure
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryPermanent indicates retry won't help.
	// Examples: authentication failures, invalid configuration, bad prompts.
	CategoryPermanent Category = iota

	// CategoryTransient indicates retry will likely help.
	// Examples: 5xx responses, timeouts, dropped connections.
	CategoryTransient

	// CategoryRateLimited indicates the provider asked us to slow down.
	CategoryRateLimited

	// CategoryCancelled indicates the caller gave up (stop, shutdown).
	CategoryCancelled
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryPermanent:
		return "permanent"
	case CategoryTransient:
		return "transient"
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return CategoryRateLimited
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == 429:
			return CategoryRateLimited
		case httpErr.StatusCode == 408, httpErr.StatusCode >= 500:
			return CategoryTransient
		default:
			return CategoryPermanent
		}
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return CategoryTransient
	}

	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	return CategoryPermanent
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}

// IsRateLimited reports whether the error is a provider rate-limit signal.
func IsRateLimited(err error) bool {
	return Categorize(err) == CategoryRateLimited
}
