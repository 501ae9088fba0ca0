// Package mutex provides per-key locks used to serialize deployment
// operations against the same server and side effects against the same
// deployment.
package mutex
