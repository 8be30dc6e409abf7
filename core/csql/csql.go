// Package csql wraps a PostgreSQL database handle together with the schema
// all bookstore relations live in.
package csql

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/relabs-tech/bookstore/core/logger"
)

// DB encapsulates a standard sql.DB with a schema
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// Open opens a postgres database with a schema. The schema gets created if it
// does not exist yet, together with the uuid-ossp extension.
//
// The password is passed separately so that it never shows up in the logs.
func Open(dataSourceName, password, schema string) (*DB, error) {
	logger.Default().Infoln("connecting to postgres database:", dataSourceName)
	if len(password) > 0 {
		dataSourceName += " password=" + password
	}
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot reach database: %w", err)
	}
	if len(schema) == 0 {
		schema = "public"
	}
	logger.Default().Infoln("selected database schema:", schema)
	_, err = db.Exec(`CREATE extension IF NOT EXISTS "uuid-ossp";
CREATE schema IF NOT EXISTS ` + schema + `;`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot create schema %s: %w", schema, err)
	}
	return &DB{DB: db, Schema: schema}, nil
}

// OpenWithSchema is like Open but panics on error
func OpenWithSchema(dataSourceName, password, schema string) *DB {
	db, err := Open(dataSourceName, password, schema)
	if err != nil {
		panic(err)
	}
	return db
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema() {
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	_, err := db.Exec(`DROP SCHEMA IF EXISTS ` + db.Schema + ` CASCADE;
	CREATE schema IF NOT EXISTS ` + db.Schema + `;`)
	if err != nil {
		logger.Default().WithError(err).Errorln("clear schema error:", db.Schema)
	}
}

// Table returns the schema-qualified, quoted name of a relation
func (db *DB) Table(name string) string {
	return db.Schema + `."` + name + `"`
}

// IsUniqueViolation returns true if err is a postgres unique constraint violation
func IsUniqueViolation(err error) bool {
	return hasCode(err, "23505")
}

// IsInvalidTextRepresentation returns true if err is a postgres error for malformed
// input, typically an invalid uuid
func IsInvalidTextRepresentation(err error) bool {
	return hasCode(err, "22P02")
}

// IsForeignKeyViolation returns true if err is a postgres foreign key violation, e.g.
// a cart for an account which does not exist
func IsForeignKeyViolation(err error) bool {
	return hasCode(err, "23503")
}

func hasCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == code
	}
	return false
}
