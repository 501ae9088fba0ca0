/*
Package wire defines the framed protocol spoken on the orchestrator-agent
session: tagged JSON envelopes with fixed shapes, newline-delimited over
TCP or TCP+TLS. Frames are validated at the edge; unknown tags and
tag/payload mismatches are rejected before any payload reaches callers.
*/
package wire
