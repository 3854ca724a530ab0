package hooks

import (
	"context"
	"fmt"
	"strings"
)

// Hook is a handler dispatched when a directory event fires: a shell
// script, a webhook POST, or structured stdio output.
type Hook interface {
	Execute(ctx context.Context, event Event) error
	Type() string
	ID() string
}

// HookConfig configures the hook manager and every hook it constructs.
type HookConfig struct {
	// Timeout bounds a single hook execution attempt (default: 30s).
	Timeout string `json:"timeout"`

	// Concurrency caps total in-flight hook executions across every appl.
	Concurrency int `json:"concurrency"`

	// PerApplConcurrency caps in-flight executions for hooks triggered by a
	// single appl's events, so one appl generating a burst of join/leave or
	// transfer traffic cannot starve hook delivery for every other appl
	// sharing the directory. Zero disables the per-appl cap (only the global
	// Concurrency ceiling applies).
	PerApplConcurrency int `json:"per_appl_concurrency"`

	// WebhookRetries bounds how many times a WebhookHook retries a failed
	// delivery before giving up (default: 2, i.e. up to 3 attempts total).
	WebhookRetries int `json:"webhook_retries"`

	// StdioFormat enables structured stdio output: "json", "env", or "".
	StdioFormat string `json:"stdio_format"`
}

// DefaultHookConfig returns sensible defaults for a directory server.
func DefaultHookConfig() HookConfig {
	return HookConfig{
		Timeout:            "30s",
		Concurrency:        10,
		PerApplConcurrency: 3,
		WebhookRetries:     2,
		StdioFormat:        "",
	}
}

// eventEnviron renders an event as A12_-prefixed KEY=VALUE assignments,
// shared by ShellHook (passed as process environment) and StdioHook's "env"
// format (printed as lines). RunnerID only appears once the appl's runner
// has an identity, so it is present for runner_start/runner_stop and absent
// for the events that precede a runner existing at all.
func eventEnviron(event Event) []string {
	env := []string{
		"A12_EVENT_TYPE=" + string(event.Type),
		fmt.Sprintf("A12_TIMESTAMP=%d", event.Timestamp),
	}
	if event.ClientID != "" {
		env = append(env, "A12_CLIENT_ID="+event.ClientID)
	}
	if event.ApplID != "" {
		env = append(env, "A12_APPL_ID="+event.ApplID)
	}
	if event.RunnerID != "" {
		env = append(env, "A12_RUNNER_ID="+event.RunnerID)
	}
	for key, value := range event.Data {
		env = append(env, "A12_"+strings.ToUpper(key)+"="+fmt.Sprintf("%v", value))
	}
	return env
}
