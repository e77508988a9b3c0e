// Package stores provides the function record store and deploy history.
//
// Three implementations of Store are available:
//
//   - MemoryStore: an in-memory cache with per-id serialized patches, optionally
//     writing through to another Store
//   - SQLiteStore: SQLite persistence with embedded migrations, WAL mode and
//     partial column updates
//   - remote.RecordClient: the external record service over HTTP
//
// Patches merge only the fields they carry, so a user edit and a deployment
// status write on the same record never drop each other's changes.
package stores
