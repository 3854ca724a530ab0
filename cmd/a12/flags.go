package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/arcan-os/a12/internal/config"
	"github.com/arcan-os/a12/internal/directory/hooks"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

// stringSliceFlag implements flag.Value for multiple string values, used
// for repeatable hook-script/hook-webhook flags.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ", ") }
func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

var knownHookEvents = map[string]bool{
	string(hooks.EventClientAccept):  true,
	string(hooks.EventClientClose):   true,
	string(hooks.EventSessionAuthed): true,
	string(hooks.EventApplJoin):      true,
	string(hooks.EventApplLeave):     true,
	string(hooks.EventRunnerStart):   true,
	string(hooks.EventRunnerStop):    true,
	string(hooks.EventApplReseed):    true,
	string(hooks.EventTransferStart): true,
	string(hooks.EventTransferCancel): true,
	string(hooks.EventTransferDone):  true,
	string(hooks.EventRekey):         true,
}

// hookFlags collects the hook-wiring flags shared by every subcommand
// that runs a Controller (directory-server, directory-link,
// directory-reference).
type hookFlags struct {
	scripts            stringSliceFlag
	webhooks           stringSliceFlag
	stdioFormat        string
	timeout            string
	concurrency        int
	perApplConcurrency int
	webhookRetries     int
}

func registerHookFlags(fs *flag.FlagSet) *hookFlags {
	h := &hookFlags{}
	fs.Var(&h.scripts, "hook-script", "hook script in format event_type=script_path (repeatable)")
	fs.Var(&h.webhooks, "hook-webhook", "hook webhook in format event_type=webhook_url (repeatable)")
	fs.StringVar(&h.stdioFormat, "hook-stdio-format", "", "structured stdio hook output: json|env (empty = disabled)")
	fs.StringVar(&h.timeout, "hook-timeout", "30s", "timeout for hook execution")
	fs.IntVar(&h.concurrency, "hook-concurrency", 10, "maximum concurrent hook executions")
	fs.IntVar(&h.perApplConcurrency, "hook-per-appl-concurrency", 3, "maximum concurrent hook executions per appl (0 = no per-appl cap)")
	fs.IntVar(&h.webhookRetries, "hook-webhook-retries", 2, "retry attempts for a failed webhook delivery, beyond the first")
	return h
}

// buildHookManager parses the event_type=value assignments and registers
// one hook per assignment.
func (h *hookFlags) buildHookManager() (*hooks.HookManager, error) {
	timeout, err := time.ParseDuration(h.timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid -hook-timeout %q: %w", h.timeout, err)
	}
	if h.concurrency < 1 || h.concurrency > 100 {
		return nil, fmt.Errorf("-hook-concurrency must be between 1 and 100, got %d", h.concurrency)
	}
	if h.stdioFormat != "" && h.stdioFormat != "json" && h.stdioFormat != "env" {
		return nil, fmt.Errorf("invalid -hook-stdio-format %q, must be json or env", h.stdioFormat)
	}

	mgr := hooks.NewHookManager(hooks.HookConfig{
		Timeout:            h.timeout,
		Concurrency:        h.concurrency,
		PerApplConcurrency: h.perApplConcurrency,
		WebhookRetries:     h.webhookRetries,
		StdioFormat:        h.stdioFormat,
	}, nil)

	for _, assign := range h.scripts {
		eventType, path, err := splitAssignment("hook-script", assign)
		if err != nil {
			return nil, err
		}
		if err := mgr.RegisterHook(hooks.EventType(eventType), hooks.NewShellHook(assign, path, timeout)); err != nil {
			return nil, err
		}
	}
	for _, assign := range h.webhooks {
		eventType, url, err := splitAssignment("hook-webhook", assign)
		if err != nil {
			return nil, err
		}
		if err := mgr.RegisterHook(hooks.EventType(eventType), hooks.NewWebhookHook(assign, url, timeout, h.webhookRetries)); err != nil {
			return nil, err
		}
	}
	return mgr, nil
}

func splitAssignment(flagName, assignment string) (eventType, value string, err error) {
	parts := strings.SplitN(assignment, "=", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid -%s %q, expected event_type=value", flagName, assignment)
	}
	if !knownHookEvents[parts[0]] {
		return "", "", fmt.Errorf("invalid -%s: unknown event type %q", flagName, parts[0])
	}
	return parts[0], parts[1], nil
}

// registerConfigFlags wires internal/config's shared flag set onto fs and
// returns the handle used after fs.Parse to load+apply the final Config.
func registerConfigFlags(fs *flag.FlagSet) *config.FlagSet {
	return config.NewFlagSet(fs)
}
