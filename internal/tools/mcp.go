package tools

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// FromMCPTools builds a registry from an MCP tool listing, for deployments
// where the editor's tool surface is served by an MCP server rather than the
// built-in catalog.
//
// Confirmation is derived from the MCP annotations: read-only tools never
// need it; otherwise the destructive hint decides, and the MCP default for
// an absent destructive hint is true, so unannotated tools require
// confirmation. Fail-safe by construction.
func FromMCPTools(ts []mcp.Tool, category string) *Static {
	reg := NewStatic()
	for _, t := range ts {
		reg.Register(Info{
			Name:              t.Name,
			DisplayName:       displayNameFor(t),
			Category:          category,
			NeedsConfirmation: needsConfirmation(t.Annotations),
		})
	}
	return reg
}

func displayNameFor(t mcp.Tool) string {
	if t.Annotations.Title != "" {
		return t.Annotations.Title
	}
	return t.Name
}

func needsConfirmation(a mcp.ToolAnnotation) bool {
	if a.ReadOnlyHint != nil && *a.ReadOnlyHint {
		return false
	}
	if a.DestructiveHint != nil {
		return *a.DestructiveHint
	}
	return true
}
