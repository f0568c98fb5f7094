// Package storage persists recipients, message templates and dispatch
// records with gorm on SQLite or PostgreSQL.
//
// Records are soft-deleted by clearing Active; hard deletes remove the row.
// Phone numbers are stored in canonical "<digits>@c.us" form.
package storage
