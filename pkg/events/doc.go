// Package events provides a buffered publish/subscribe broker for
// control-plane lifecycle events: agent connections, deployment
// transitions, and proxy reloads. The system-apps bootstrap loop and the
// audit trail are its main consumers.
package events
