// Package journal provides a SQLite-backed commit journal for module
// instances.
//
// A Store is a diag.Sink: attach it with engine.WithSinks (or Hub.Attach)
// and every commit notification is appended to two tables:
//   - commits: one row per committed transaction (origin, dirty set,
//     patch count, duration and, under full instrumentation, the snapshot)
//   - patches: the patch log of each commit (full instrumentation only)
//
// # Critical Patterns
//
// Logical ordering:
//   - Rows are keyed by (module, seq); seq is the transaction commit
//     sequence assigned by txn.Manager
//   - All reads ORDER BY seq ASC, never by recorded_at
//
// Idempotency:
//   - Writing the same (module, seq) twice is a no-op
//
// Canonical values:
//   - Snapshots and patch values are stored as canonical JSON
//     (ir.MarshalCanonical) so identical states compare byte-for-byte
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package journal
