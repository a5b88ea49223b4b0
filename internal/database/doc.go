// Package database provides the PostgreSQL connection pool used by the
// optional pairing-event history writer.
package database
