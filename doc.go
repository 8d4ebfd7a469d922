// Package database is an embedded, schema-typed document store persisted to
// local files.
//
// A [Database] owns a fixed set of [Table] values declared in [Options]. Each
// table holds records validated against a [schema.Schema] and keyed by their
// "id" field. Reads return deep copies and never touch the disk; queries run
// over an in-memory snapshot through [query.Query].
//
// # Persistence
//
// Mutations mark a table dirty and request a save. A scheduler goroutine
// saves dirty tables on a periodic tick, postponing the save while mutations
// keep arriving, up to Options.SaveMaxSkips ticks. Each table file is written
// with a temp, current and old rotation so a complete file survives a crash
// at any point. [Database.Flush] and [Database.Close] write synchronously.
//
// # Migration
//
// Table files record the fingerprint of the schema they were written with.
// When a table is opened with a different schema, every stored record goes
// through the table's [MigrateFunc] and must satisfy the new schema, or Open
// fails.
//
// # Errors
//
// Operations return *[Error], whose Kind tells whether the failure is a bad
// schema, an invalid record, a missing id or table, a misuse of the API, a
// failed migration or an I/O failure. [KindOf] also classifies errors from the
// schema and query packages.
package database
