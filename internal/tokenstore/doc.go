// Package tokenstore provides persistent storage for the managed account's OAuth credentials.
//
// Backends share the Store interface and differ in durability and consistency:
//   - Durable: DynamoDB, PostgreSQL or in-memory tables. Authoritative, and the only backends
//     that implement the lease primitive used by the refresh lock (LeaseStore).
//   - Keyring: OS-native credential storage. Best-effort secondary copy for local development
//     and legacy deployments.
//   - File: local filesystem storage of the bare refresh token, optionally encrypted.
//   - Env: read-only environment variable access, used to seed the other backends.
//
// Chain combines them into one logical store with strict precedence on reads
// (durable > keyring > file) and write-through to the durable table on saves.
package tokenstore
