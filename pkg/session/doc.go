// Package session is the orchestrator side of the agent protocol: a
// TCP/TLS listener that authenticates agents by token, keeps exactly one
// session per server, dispatches commands and correlates their results,
// routes log streams, and folds status reports into the stored fleet
// state.
package session
