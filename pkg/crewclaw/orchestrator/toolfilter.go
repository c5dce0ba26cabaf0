// Package orchestrator – toolfilter.go implements per-conversation tool
// permission enforcement.
//
// Every execution gets at most one ToolFilter, registered under its remote
// conversation id before the execution's first tool call can arrive. Lookups
// for an unregistered id resolve to "no restriction": the lead conversation
// is deliberately fail-open, and fail-closed behavior is never implicit — a
// restricted execution always has an explicit filter.
//
// Enforcement happens at the dispatch boundary (before any concrete tool
// implementation runs) and is a hard security boundary, not advisory.
package orchestrator

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// ToolFilter binds one conversation to its allowed-tool policy.
type ToolFilter struct {
	// ExecutionID identifies the owning execution, for logs and denials.
	ExecutionID string

	// Unrestricted disables role policy for this conversation entirely.
	Unrestricted bool

	// Allow is the permitted tool set. Ignored when Unrestricted.
	Allow map[string]bool

	// Deny lists tools rejected even when allowed (or unrestricted).
	// Deny always wins over Allow.
	Deny map[string]bool
}

// Permits reports whether toolName passes this filter.
func (f *ToolFilter) Permits(toolName string) bool {
	if f.Deny[toolName] {
		return false
	}
	if f.Unrestricted {
		return true
	}
	return f.Allow[toolName]
}

// AllowedList returns the sorted allow-list, for denial messages.
func (f *ToolFilter) AllowedList() []string {
	if f.Unrestricted {
		return []string{ToolsUnrestricted}
	}
	names := make([]string, 0, len(f.Allow))
	for name := range f.Allow {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FilterStore holds the tool filters of one coordinator instance, keyed by
// conversation id. Entries follow an insert-then-exactly-one-remove
// lifecycle tied to the owning execution.
type FilterStore struct {
	mu      sync.RWMutex
	filters map[string]*ToolFilter

	logger *slog.Logger
}

// NewFilterStore creates an empty filter store.
func NewFilterStore(logger *slog.Logger) *FilterStore {
	return &FilterStore{
		filters: make(map[string]*ToolFilter),
		logger:  logger.With("component", "toolfilter"),
	}
}

// Register installs the filter for a conversation. At most one filter per
// conversation id; re-registration replaces (the id was recycled).
func (s *FilterStore) Register(conversationID string, filter *ToolFilter) {
	if conversationID == "" {
		return
	}
	s.mu.Lock()
	if _, exists := s.filters[conversationID]; exists {
		s.logger.Warn("replacing existing tool filter", "conversation", conversationID)
	}
	s.filters[conversationID] = filter
	s.mu.Unlock()
}

// Unregister removes a conversation's filter. Safe to call for ids that were
// never registered.
func (s *FilterStore) Unregister(conversationID string) {
	s.mu.Lock()
	delete(s.filters, conversationID)
	s.mu.Unlock()
}

// Check validates a tool call against the conversation's filter. A nil error
// means the call may proceed. Unregistered conversations are unrestricted.
func (s *FilterStore) Check(conversationID, toolName string) error {
	s.mu.RLock()
	filter, ok := s.filters[conversationID]
	s.mu.RUnlock()

	if !ok || filter.Permits(toolName) {
		return nil
	}

	s.logger.Warn("tool call denied by filter",
		"conversation", conversationID,
		"execution", filter.ExecutionID,
		"tool", toolName,
	)
	return fmt.Errorf("tool %q is not permitted for this agent (allowed: %s)",
		toolName, strings.Join(filter.AllowedList(), ", "))
}

// Count returns the number of registered filters.
func (s *FilterStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.filters)
}

// EffectiveToolSet computes the tool set an execution actually gets: the
// role's allow-list minus the isolation exclusions that apply when the
// execution runs in an isolated working copy.
//
// Subtraction guard: when the role started restricted and the subtraction
// would empty the result, the original set is kept unchanged. An emptied set
// means the exclusion list swallowed the whole role policy, which is treated
// as a configuration bug rather than an intent to grant nothing.
// An unrestricted role stays unrestricted; exclusions land in Deny instead.
func EffectiveToolSet(def AgentDefinition, isolated bool, isolationDenied []string) *ToolFilter {
	filter := &ToolFilter{
		Allow: make(map[string]bool),
		Deny:  make(map[string]bool),
	}

	if def.Unrestricted() {
		filter.Unrestricted = true
		if isolated {
			for _, name := range isolationDenied {
				filter.Deny[name] = true
			}
		}
		return filter
	}

	for _, name := range def.Tools {
		filter.Allow[name] = true
	}
	if !isolated || len(isolationDenied) == 0 {
		return filter
	}

	reduced := make(map[string]bool, len(filter.Allow))
	excluded := make(map[string]bool, len(isolationDenied))
	for _, name := range isolationDenied {
		excluded[name] = true
	}
	for name := range filter.Allow {
		if !excluded[name] {
			reduced[name] = true
		}
	}

	if len(reduced) == 0 {
		// Guard: keep the original restricted set rather than granting an
		// empty (and therefore surprising) policy.
		return filter
	}
	filter.Allow = reduced
	return filter
}
