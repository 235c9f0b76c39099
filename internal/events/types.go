// Package events names the bus subjects AgentPod components publish on and
// provides the configured bus implementation.
package events

// Sandbox lifecycle events, published by the orchestrator.
const (
	SandboxCreated      = "sandbox.created"
	SandboxStateChanged = "sandbox.state_changed"
	SandboxDeleted      = "sandbox.deleted"
)

// Terminal session events, published by the terminal multiplexer.
const (
	TerminalOpened = "terminal.opened"
	TerminalClosed = "terminal.closed"
)

// BuildSandboxSubject scopes a sandbox event to one sandbox id, so
// subscribers can filter with "sandbox.state_changed.{id}" or a wildcard.
func BuildSandboxSubject(eventType, sandboxID string) string {
	return eventType + "." + sandboxID
}

// SandboxEventsPattern matches every event scoped to one sandbox,
// regardless of type. Subjects are three tokens: category, verb, id.
func SandboxEventsPattern(sandboxID string) string {
	return "*.*." + sandboxID
}
