package store

import "fmt"

// Resource names a key namespace for the Redis backend.
type Resource string

const (
	ResourceAgent   Resource = "agents"
	ResourceCommand Resource = "commands"
	ResourceTerminal Resource = "terminal"
	ResourceTrace   Resource = "traces"
	ResourceAudit   Resource = "audit"
)

// Key constructs a fully qualified Redis key for a resource.
// Format: conductor:{resource}:{id}
func Key(resource Resource, id string) string {
	return fmt.Sprintf("conductor:%s:%s", resource, id)
}

// Prefix constructs a scan-match prefix for a resource namespace.
func Prefix(resource Resource) string {
	return fmt.Sprintf("conductor:%s:", resource)
}
