// Package constants provides application-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// InitTimeout is the maximum time to wait for the peer's initialize
	// response before treating the connection as failed.
	InitTimeout = 30 * time.Second

	// PromptTimeout is a 60-minute bound for a prompt turn. The adapter
	// does not apply it: a prompt turn is awaited until the peer replies
	// or the adapter is closed.
	PromptTimeout = 60 * time.Minute

	// ShutdownTimeout is the maximum time T3 (the drop task) waits for the
	// protocol task to observe Shutdown before giving up and relying on
	// kill-on-drop of the child process.
	ShutdownTimeout = 5 * time.Second
)

// Permission waits have no internal timeout: the user is the clock. There is
// deliberately no PermissionTimeout constant here.
