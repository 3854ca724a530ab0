// HookManager dispatches directory events to every hook registered for
// their EventType, enforcing a global concurrency ceiling plus a per-appl
// one so a single noisy appl cannot starve hook delivery for the rest of
// the directory.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HookManager manages hook registration and execution
type HookManager struct {
	hooks     map[EventType][]Hook
	stdioHook *StdioHook
	mu        sync.RWMutex
	pool      *executionPool
	logger    *slog.Logger
	config    HookConfig
}

// NewHookManager creates a new hook manager
func NewHookManager(config HookConfig, logger *slog.Logger) *HookManager {
	if logger == nil {
		logger = slog.Default()
	}

	// Parse timeout
	_, err := time.ParseDuration(config.Timeout)
	if err != nil {
		logger.Warn("Invalid hook timeout, using default", "timeout", config.Timeout, "error", err)
	}

	manager := &HookManager{
		hooks:  make(map[EventType][]Hook),
		logger: logger,
		config: config,
		pool:   newExecutionPool(config.Concurrency, config.PerApplConcurrency, logger),
	}

	// Enable stdio output if configured
	if config.StdioFormat != "" {
		manager.EnableStdioOutput(config.StdioFormat)
	}

	return manager
}

// RegisterHook registers a hook for the specified event type
func (hm *HookManager) RegisterHook(eventType EventType, hook Hook) error {
	if hook == nil {
		return fmt.Errorf("cannot register nil hook")
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.hooks[eventType] = append(hm.hooks[eventType], hook)
	hm.logger.Info("Hook registered",
		"event_type", eventType,
		"hook_type", hook.Type(),
		"hook_id", hook.ID())

	return nil
}

// UnregisterHook removes a hook by ID from the specified event type
func (hm *HookManager) UnregisterHook(eventType EventType, hookID string) bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hooks := hm.hooks[eventType]
	for i, hook := range hooks {
		if hook.ID() == hookID {
			// Remove hook from slice
			hm.hooks[eventType] = append(hooks[:i], hooks[i+1:]...)
			hm.logger.Info("Hook unregistered",
				"event_type", eventType,
				"hook_id", hookID)
			return true
		}
	}

	return false
}

// TriggerEvent executes all registered hooks for the given event
func (hm *HookManager) TriggerEvent(ctx context.Context, event Event) {
	if hm == nil {
		return
	}

	// Get hooks for this event type
	hm.mu.RLock()
	hooks := make([]Hook, len(hm.hooks[event.Type]))
	copy(hooks, hm.hooks[event.Type])
	hm.mu.RUnlock()

	// Add stdio hook if enabled
	if hm.stdioHook != nil {
		hooks = append(hooks, hm.stdioHook)
	}

	if len(hooks) == 0 {
		return // No hooks registered for this event
	}

	hm.logger.Debug("Triggering event",
		"event_type", event.Type,
		"hook_count", len(hooks),
		"event", event.String())

	// Execute hooks asynchronously
	for _, hook := range hooks {
		hm.pool.execute(ctx, hook, event)
	}
}

// EnableStdioOutput enables structured output to stdout/stderr
func (hm *HookManager) EnableStdioOutput(format string) error {
	if format != "json" && format != "env" {
		return fmt.Errorf("unsupported stdio format: %s", format)
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.stdioHook = NewStdioHook("stdio", format)
	hm.logger.Info("Stdio output enabled", "format", format)

	return nil
}

// DisableStdioOutput disables structured output
func (hm *HookManager) DisableStdioOutput() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.stdioHook = nil
	hm.logger.Info("Stdio output disabled")
}

// GetStats returns statistics about registered hooks
func (hm *HookManager) GetStats() map[string]interface{} {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	stats := map[string]interface{}{
		"event_types":   len(hm.hooks),
		"total_hooks":   0,
		"stdio_enabled": hm.stdioHook != nil,
		"pool_size":     hm.pool.size,
		"pool_active":   hm.pool.active,
	}

	hooksByType := make(map[string]int)
	totalHooks := 0

	for eventType, hooks := range hm.hooks {
		hooksByType[string(eventType)] = len(hooks)
		totalHooks += len(hooks)
	}

	stats["total_hooks"] = totalHooks
	stats["hooks_by_type"] = hooksByType

	return stats
}

// Close shuts down the hook manager and waits for pending executions
func (hm *HookManager) Close() error {
	if hm.pool != nil {
		hm.pool.close()
	}
	hm.logger.Info("Hook manager closed")
	return nil
}

// executionPool bounds concurrent hook execution two ways at once: a global
// ceiling across the whole directory, and (when applCap > 0) a per-appl
// ceiling so one appl's event volume cannot monopolise every worker slot
// and delay hook delivery for appls that are otherwise quiet. This mirrors
// the isolation the directory already gives each appl's runner (its own
// process, its own KV domain) at the hook-dispatch layer.
type executionPool struct {
	global    chan struct{}
	applCap   int
	size      int
	mu        sync.Mutex
	applSlots map[string]chan struct{}
	active    int
	logger    *slog.Logger
}

// newExecutionPool creates a pool with a global concurrency ceiling of size
// and, when applCap > 0, a per-appl ceiling of applCap.
func newExecutionPool(size, applCap int, logger *slog.Logger) *executionPool {
	if size <= 0 {
		size = 10
	}
	return &executionPool{
		global:    make(chan struct{}, size),
		applCap:   applCap,
		size:      size,
		applSlots: make(map[string]chan struct{}),
		logger:    logger,
	}
}

// applChan returns the per-appl slot channel for applID, creating it on
// first use. Events with no appl (client accept, admin actions) and a
// disabled applCap share no per-appl ceiling at all, just the global one.
func (ep *executionPool) applChan(applID string) chan struct{} {
	if ep.applCap <= 0 || applID == "" {
		return nil
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ch, ok := ep.applSlots[applID]
	if !ok {
		ch = make(chan struct{}, ep.applCap)
		ep.applSlots[applID] = ch
	}
	return ch
}

// execute runs a hook on its own goroutine, gated by the global slot and
// (if the event names an appl) that appl's slot.
func (ep *executionPool) execute(ctx context.Context, hook Hook, event Event) {
	applSlot := ep.applChan(event.ApplID)
	go func() {
		ep.global <- struct{}{}
		defer func() { <-ep.global }()
		if applSlot != nil {
			applSlot <- struct{}{}
			defer func() { <-applSlot }()
		}

		ep.mu.Lock()
		ep.active++
		ep.mu.Unlock()
		defer func() {
			ep.mu.Lock()
			ep.active--
			ep.mu.Unlock()
		}()

		start := time.Now()
		err := hook.Execute(ctx, event)
		duration := time.Since(start)

		fields := []any{
			"hook_type", hook.Type(), "hook_id", hook.ID(),
			"event_type", event.Type, "appl_id", event.ApplID,
			"duration_ms", duration.Milliseconds(),
		}
		if err != nil {
			ep.logger.Error("hook execution failed", append(fields, "error", err)...)
		} else {
			ep.logger.Debug("hook executed", fields...)
		}
	}()
}

// close drains the global slot pool, blocking until every in-flight
// execution has released its slot.
func (ep *executionPool) close() {
	for i := 0; i < cap(ep.global); i++ {
		ep.global <- struct{}{}
	}
}
