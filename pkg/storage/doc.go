/*
Package storage provides persistent state management for the orchestrator
using BoltDB.

The Store interface covers servers, app manifests, deployments, service
records, proxy and service routes, encrypted secret blobs, audit records,
operator users, and agent tokens. Values are JSON-encoded into per-entity
buckets. A versioned migration chain runs at open, and multi-entity
deletes (deployment cascade) are composed inside single transactions so
the deployer never observes partial cleanup. Contention is absorbed by a
bounded retry helper that surfaces as a BUSY error only after exhaustion.
*/
package storage
