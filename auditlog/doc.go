// Package auditlog provides append-only stores for completed key rotations.
//
// Two implementations are available:
//   - FileLog: one JSON object per line, appended with O_APPEND and fsync'd.
//   - SQLLog: a gorm-managed table on SQLite or PostgreSQL.
//
// Open selects one from a location URI:
//
//	file:///var/lib/rotation/audit.jsonl
//	sqlite:///var/lib/rotation/audit.db
//	postgres://user:pass@db:5432/rotation?sslmode=disable
//
// Neither store exposes update or delete. Records come back ordered by
// timestamp, ties in insertion order.
package auditlog
