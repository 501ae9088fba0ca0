// Package agent runs on every managed host. The executor materializes
// commands (file writes inside a path sandbox, lifecycle scripts with a
// scrubbed environment, service control, storage mounts) and routes all
// root operations through the privileged helper. The session client
// holds the single persistent connection to the orchestrator, acks and
// executes commands, streams logs, and reports status on a timer.
package agent
