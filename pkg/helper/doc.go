// Package helper implements the privileged helper: a small root daemon
// that performs host-level actions for the agent over a Unix domain
// socket. Every request names an action from a closed set and passes a
// layered allow-list (paths after symlink resolution, value patterns,
// service registration gate, argument sanitation) before anything
// executes. The package also provides the agent-side client.
package helper
