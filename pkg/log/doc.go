/*
Package log provides structured logging for ownprem using zerolog.

It wraps zerolog with a global logger, component-scoped child loggers, and
helper functions for common patterns. Output is JSON in production and a
console writer during development. Secret material is never logged; callers
log identifiers and field names only.
*/
package log
