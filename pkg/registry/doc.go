/*
Package registry tracks the services provided by deployments and the
proxy routes that expose them.

Service records are keyed by (deployment, service name); the recorded
host collapses to loopback when the provider runs on the core server.
Web UI routes are keyed by deployment, service routes by service record.
External TCP ports are allocated from a bounded range under the registry
lock, preferring the upstream port when free.
*/
package registry
