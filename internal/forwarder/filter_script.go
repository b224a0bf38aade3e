package forwarder

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// scriptTimeout bounds a single predicate invocation; goja's Interrupt
// fires at the next bytecode instruction, standing in for an execution-step
// limit (SPEC_FULL.md §4.6).
const scriptTimeout = 50 * time.Millisecond

// scriptFilter evaluates a small sandboxed ECMAScript predicate that
// receives a tool name and returns whether it is blocked. It supplements,
// never replaces, the glob filter.
type scriptFilter struct {
	mu       sync.Mutex
	vm       *goja.Runtime
	fn       goja.Callable
	warnOnce sync.Once
}

// newScriptFilter compiles src, which must define a top-level function
// named "blocked(toolName)". A compile or lookup failure here is a config
// error, surfaced to the caller immediately rather than deferred to the
// fail-open behavior that governs per-call runtime errors (P8).
func newScriptFilter(src string) (*scriptFilter, error) {
	vm := goja.New()
	if _, err := vm.RunString(src); err != nil {
		return nil, fmt.Errorf("compile tool filter script: %w", err)
	}
	fn, ok := goja.AssertFunction(vm.Get("blocked"))
	if !ok {
		return nil, fmt.Errorf("tool filter script must define function blocked(toolName)")
	}
	return &scriptFilter{vm: vm, fn: fn}, nil
}

// Blocked evaluates the predicate for toolName. Any runtime failure —
// thrown exception or execution-budget interrupt — fails open: the tool is
// treated as not matching the script (SPEC_FULL.md §8, P8). The failure is
// logged once, not on every call, so a broken script can't flood logs.
func (f *scriptFilter) Blocked(toolName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	timer := time.AfterFunc(scriptTimeout, func() {
		f.vm.Interrupt("tool filter script exceeded its execution budget")
	})
	defer timer.Stop()

	result, err := f.fn(goja.Undefined(), f.vm.ToValue(toolName))
	if err != nil {
		f.warnOnce.Do(func() {
			slog.Warn("tool filter script failed, failing open", "error", err)
		})
		return false
	}
	return result.ToBoolean()
}
