/*
Package types defines the core data structures used throughout ownprem.

It contains the domain model shared by the orchestrator, the agent, and the
privileged helper: servers, app manifests, deployments, service records,
proxy routes, secrets, audit records, and the command envelopes exchanged
over the agent session. It also defines the kinded error taxonomy used at
module boundaries.

All wire-facing types serialize to JSON with fixed shapes; unknown payload
tags are rejected at the edge by pkg/wire.
*/
package types
