// Package audit emits immutable audit records for deployment lifecycle
// operations, persisted in the store and mirrored to the structured log.
package audit
