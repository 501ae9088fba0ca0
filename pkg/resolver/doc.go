// Package resolver validates app manifests against the running fleet
// (requires/provides/conflicts, locality) and merges deployment
// configuration from schema defaults, inherited dependency values, and
// user-supplied config.
package resolver
