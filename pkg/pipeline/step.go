package pipeline

import (
	"context"
	"strings"
	"time"
)

// Retry defaults applied when a step reports a non-positive policy.
const (
	DefaultMaxRetries     = 3
	DefaultRetryDelayBase = time.Second
)

// Step is one stage of the pipeline. Process is the only method with real
// work in most implementations; the manager — never the step — drives
// retries.
type Step interface {
	// Name is the stable identifier used in results, events and scratch.
	Name() string

	// MaxRetries caps total Process attempts (default 3).
	MaxRetries() int

	// RetryDelayBase seeds the exponential backoff (default 1s).
	RetryDelayBase() time.Duration

	// ShouldSkip decides, per context, whether to run at all.
	ShouldSkip(ctx context.Context, pctx *Context) bool

	// Process performs the step. A nil result counts as success.
	Process(ctx context.Context, pctx *Context) *StepResult

	// Lifecycle hooks, called by the manager around Process.
	OnStart(ctx context.Context, pctx *Context)
	OnComplete(ctx context.Context, pctx *Context, result *StepResult)
	OnError(ctx context.Context, pctx *Context, stepErr *StepError)
	OnSkip(ctx context.Context, pctx *Context)
}

// BaseStep supplies the default retry policy and no-op hooks. Embed it and
// implement Name and Process.
type BaseStep struct{}

func (BaseStep) MaxRetries() int                                   { return DefaultMaxRetries }
func (BaseStep) RetryDelayBase() time.Duration                     { return DefaultRetryDelayBase }
func (BaseStep) ShouldSkip(context.Context, *Context) bool         { return false }
func (BaseStep) OnStart(context.Context, *Context)                 {}
func (BaseStep) OnComplete(context.Context, *Context, *StepResult) {}
func (BaseStep) OnError(context.Context, *Context, *StepError)     {}
func (BaseStep) OnSkip(context.Context, *Context)                  {}

// ConditionalStep skips unless its enabled-option is truthy in the context
// options (falling back to the configured default).
type ConditionalStep struct {
	BaseStep
	enabledOption  string
	defaultEnabled bool
}

// NewConditionalStep wires the option key and its default.
func NewConditionalStep(enabledOption string, defaultEnabled bool) ConditionalStep {
	return ConditionalStep{enabledOption: enabledOption, defaultEnabled: defaultEnabled}
}

// EnabledOption is the context option key controlling the step.
func (s ConditionalStep) EnabledOption() string { return s.enabledOption }

// DefaultEnabled is the value assumed when the option is absent.
func (s ConditionalStep) DefaultEnabled() bool { return s.defaultEnabled }

// ShouldSkip skips iff the enabled-option resolves falsy.
func (s ConditionalStep) ShouldSkip(_ context.Context, pctx *Context) bool {
	v, ok := pctx.Options[s.enabledOption]
	if !ok {
		return !s.defaultEnabled
	}
	return !isTruthy(v)
}

// isTruthy interprets the loose option values accepted in job metadata and
// config files.
func isTruthy(v any) bool {
	switch vv := v.(type) {
	case bool:
		return vv
	case string:
		switch strings.ToLower(strings.TrimSpace(vv)) {
		case "1", "true", "yes", "on", "enabled":
			return true
		default:
			return false
		}
	case int:
		return vv != 0
	case int64:
		return vv != 0
	case float64:
		return vv != 0
	case nil:
		return false
	default:
		return false
	}
}
