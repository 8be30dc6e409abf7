/*Package registry provides a persistent registry of objects in a SQL database

The package uses JSON to serialize the data. The bookstore keeps its store
settings and, unless configured otherwise, the secret for signing access
tokens in the registry.
*/
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/bookstore/core/csql"
)

// Registry is a key/value table of JSON documents
type Registry struct {
	db *csql.DB
}

// New creates a new registry for the specified database. Call CreateTable once
// before the registry is used on a fresh schema.
func New(db *csql.DB) Registry {
	return Registry{db: db}
}

func (r Registry) table() string {
	return r.db.Table("_registry_")
}

// CreateTable creates the registry relation if it does not exist yet
func (r Registry) CreateTable() error {
	_, err := r.db.Exec(`CREATE table IF NOT EXISTS ` + r.table() + `
(key varchar NOT NULL,
value json NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(key)
);`)
	if err != nil {
		return fmt.Errorf("cannot create registry: %w", err)
	}
	return nil
}

// Accessor reads and writes the keys below one prefix. Keys are stored as "{prefix}:{key}".
type Accessor struct {
	prefix   string
	registry Registry
}

// Accessor returns an accessor for prefix. The empty prefix addresses keys as they are
func (r Registry) Accessor(prefix string) Accessor {
	return Accessor{prefix: prefix, registry: r}
}

func (a Accessor) key(key string) string {
	if a.prefix == "" {
		return key
	}
	return a.prefix + ":" + key
}

// Read unmarshals the value of key into value and returns when it was written. A missing key
// leaves value untouched and returns the zero time.
func (a Accessor) Read(ctx context.Context, key string, value interface{}) (time.Time, error) {
	var (
		raw       []byte
		timestamp time.Time
	)
	key = a.key(key)
	err := a.registry.db.QueryRowContext(ctx,
		`SELECT value, timestamp FROM `+a.registry.table()+` WHERE key=$1;`, key).Scan(&raw, &timestamp)
	if errors.Is(err, csql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	if err = json.Unmarshal(raw, value); err != nil {
		return timestamp, fmt.Errorf("cannot parse key '%s': %w", key, err)
	}
	return timestamp, nil
}

// Write stores value under key, replacing what was there
func (a Accessor) Write(ctx context.Context, key string, value interface{}) error {
	written, err := a.write(ctx, key, value, `ON CONFLICT (key) DO UPDATE SET value=$2,timestamp=$3`)
	if err == nil && !written {
		err = fmt.Errorf("could not write key '%s'", a.key(key))
	}
	return err
}

// WriteIfAbsent stores value only if key does not exist yet. It reports whether value was
// written, so that concurrent writers can tell who won.
func (a Accessor) WriteIfAbsent(ctx context.Context, key string, value interface{}) (bool, error) {
	return a.write(ctx, key, value, `ON CONFLICT (key) DO NOTHING`)
}

func (a Accessor) write(ctx context.Context, key string, value interface{}, onConflict string) (bool, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	key = a.key(key)
	res, err := a.registry.db.ExecContext(ctx,
		`INSERT INTO `+a.registry.table()+`(key,value,timestamp) VALUES($1,$2,$3) `+onConflict+`;`,
		key, string(body), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("cannot write key '%s': %w", key, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Delete removes key. Deleting a missing key is not an error
func (a Accessor) Delete(ctx context.Context, key string) error {
	_, err := a.registry.db.ExecContext(ctx, `DELETE FROM `+a.registry.table()+` WHERE key=$1;`, a.key(key))
	return err
}
