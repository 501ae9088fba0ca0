/*
Package security provides the cryptographic utilities of the control
plane: AES-256-GCM encryption of deployment secret blobs, generation of
secret config values (passwords, usernames, opaque secrets), and agent
token issuance with SHA-256 at-rest hashing and constant-time comparison.

Certificate-authority issuance is a collaborator and lives outside this
package; the proxy manager only probes for the CA root file on disk.
*/
package security
