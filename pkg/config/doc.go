// Package config resolves orchestrator and agent settings from
// environment variables and enforces the production-required subset at
// startup.
package config
