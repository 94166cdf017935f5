package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory drives retry and halt decisions in the manager.
type ErrorCategory string

const (
	// CategoryTransient errors are retried with exponential backoff.
	CategoryTransient ErrorCategory = "transient"
	// CategoryPermanent errors fail the step without retry.
	CategoryPermanent ErrorCategory = "permanent"
	// CategoryFatal errors stop the whole pipeline.
	CategoryFatal ErrorCategory = "fatal"
	// CategoryUnknown is the default: not retried, not fatal.
	CategoryUnknown ErrorCategory = "unknown"
)

// Well-known step error codes.
const (
	CodeFileNotFound          = "FILE_NOT_FOUND"
	CodeAnalyzerNotConfigured = "ANALYZER_NOT_CONFIGURED"
	CodeEncryptionKeyMissing  = "ENCRYPTION_KEY_MISSING"
	CodeSyncerNotConfigured   = "SYNCER_NOT_CONFIGURED"
	CodeInsufficientFunds     = "INSUFFICIENT_FUNDS"
	CodeStepPanic             = "STEP_PANIC"
	CodeCancelled             = "CANCELLED"
)

// StepError is the normalized error attached to failed step results.
type StepError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Category  ErrorCategory  `json:"category"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Category)
}

// NewStepError builds a StepError; transient errors are retryable.
func NewStepError(code, message string, category ErrorCategory) *StepError {
	return &StepError{
		Code:      code,
		Message:   message,
		Category:  category,
		Retryable: category == CategoryTransient,
	}
}

// WithDetails attaches structured details and returns the error.
func (e *StepError) WithDetails(details map[string]any) *StepError {
	e.Details = details
	return e
}

// NewInsufficientFundsError builds the permanent sync error carrying the
// fields notification surfaces need to render an actionable message.
func NewInsufficientFundsError(wallet, chain, token string) *StepError {
	return NewStepError(CodeInsufficientFunds,
		fmt.Sprintf("insufficient funds on %s for wallet %s (%s)", chain, wallet, token),
		CategoryPermanent,
	).WithDetails(map[string]any{
		"wallet_address": wallet,
		"chain_name":     chain,
		"token_symbol":   token,
	})
}

// AsStepError normalizes any error into a StepError, categorizing plain
// errors by message.
func AsStepError(code string, err error) *StepError {
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return NewStepError(code, err.Error(), CategorizeError(err))
}

var transientMarkers = []string{
	"timeout", "timed out", "deadline exceeded",
	"temporarily unavailable", "unavailable", "try again",
	"connection refused", "connection reset", "broken pipe",
	"rate limit", "too many requests", "429", "500", "502", "503", "504",
}

var permanentMarkers = []string{
	"not found", "404", "400", "bad request",
	"401", "unauthorized", "403", "forbidden",
	"invalid", "insufficient funds",
}

var fatalMarkers = []string{
	"not configured", "missing configuration", "missing encryption key",
}

// CategorizeError maps an error to a category by inspecting sentinel types
// and message markers. StepError categories pass through untouched.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return CategoryFatal
		}
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return CategoryPermanent
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return CategoryTransient
		}
	}
	return CategoryUnknown
}
