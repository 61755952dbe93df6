// Package postgres provides PostgreSQL-specific implementations for the data
// storage interfaces defined in internal/store and internal/task: users and
// their portal credentials, the task table with its diagnostic logs, and the
// academic records mirrored from the portal.
//
// Academic writes are upserts on natural keys (ON CONFLICT ... DO UPDATE), so
// re-applying the same scraped record never creates a second row. The schema
// lives in migrations/ and is embedded into the binary for goose.
package postgres
