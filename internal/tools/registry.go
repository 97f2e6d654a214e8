// Package tools provides the function registry consulted by lifecycle
// resolution and approval capture. The registry maps a tool name to display
// metadata and, critically, whether invoking it requires human confirmation.
package tools

import (
	"sort"
	"sync"

	"github.com/invopop/jsonschema"
)

// Info describes one callable tool.
type Info struct {
	// Name is the wire-level function name.
	Name string

	// DisplayName is shown on tool-call cards.
	DisplayName string

	// Category groups tools for display and policy (e.g. "media",
	// "project", "library").
	Category string

	// NeedsConfirmation marks tools that pause the turn for human
	// approval before execution.
	NeedsConfirmation bool

	// ArgumentSchema describes the tool's argument payload. Optional;
	// used by the editor to build edit forms for pending calls.
	ArgumentSchema *jsonschema.Schema
}

// Registry resolves tool names to their metadata.
type Registry interface {
	// Lookup returns the tool's metadata. Unknown tools return false;
	// callers treat them as not requiring confirmation.
	Lookup(name string) (Info, bool)
}

// Static is an in-memory Registry.
type Static struct {
	mu     sync.RWMutex
	byName map[string]Info
}

// NewStatic creates a Static registry from the given tools.
func NewStatic(infos ...Info) *Static {
	s := &Static{byName: make(map[string]Info, len(infos))}
	for _, info := range infos {
		s.byName[info.Name] = info
	}
	return s
}

// Lookup implements Registry.
func (s *Static) Lookup(name string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.byName[name]
	return info, ok
}

// Register adds or replaces a tool.
func (s *Static) Register(info Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byName[info.Name] = info
}

// Names returns all registered tool names, sorted.
func (s *Static) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
