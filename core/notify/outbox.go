package notify

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/bookstore/core"
	"github.com/relabs-tech/bookstore/core/csql"
	"github.com/relabs-tech/bookstore/core/logger"
)

// DefaultTableName is the name of the outbox relation
const DefaultTableName = "_order_notification_outbox_"

// OutboxConfig configures an Outbox
type OutboxConfig struct {
	// TableName defaults to DefaultTableName
	TableName string
	// Concurrency is the number of workers draining the outbox. Defaults to 1
	Concurrency int
	// MaxAttempts is how often a notification is tried before it is given up. Defaults to 3
	MaxAttempts int
}

// Outbox stores notifications transactionally and drains them into a Publisher
type Outbox struct {
	db          *csql.DB
	publisher   Publisher
	table       string
	concurrency int
	maxAttempts int

	claimQuery  string
	deleteQuery string
	insertQuery string
}

// NewOutbox returns a new outbox. Call CreateTable once on a fresh schema.
func NewOutbox(db *csql.DB, publisher Publisher, config OutboxConfig) *Outbox {
	if config.TableName == "" {
		config.TableName = DefaultTableName
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 3
	}
	if publisher == nil {
		publisher = LogPublisher{}
	}
	table := db.Table(config.TableName)
	return &Outbox{
		db:          db,
		publisher:   publisher,
		table:       table,
		concurrency: config.Concurrency,
		maxAttempts: config.MaxAttempts,

		claimQuery: `UPDATE ` + table + `
SET attempts_left = attempts_left - 1
WHERE serial = (
SELECT serial
 FROM ` + table + `
 WHERE attempts_left > 0
 ORDER BY serial
 FOR UPDATE SKIP LOCKED
 LIMIT 1
)
RETURNING serial, resource, operation, resource_id, payload, context, created_at, attempts_left;`,
		deleteQuery: `DELETE FROM ` + table + ` WHERE serial = $1;`,
		insertQuery: `INSERT INTO ` + table + `
(resource,operation,resource_id,payload,context,created_at,attempts_left)
VALUES($1,$2,$3,$4,$5,$6,$7);`,
	}
}

// CreateTable creates the outbox relation if it does not exist yet
func (o *Outbox) CreateTable() error {
	_, err := o.db.Exec(`CREATE table IF NOT EXISTS ` + o.table + `
(serial SERIAL,
resource VARCHAR NOT NULL,
operation VARCHAR NOT NULL,
resource_id uuid NOT NULL,
payload JSON NOT NULL,
context JSON NOT NULL,
created_at TIMESTAMP NOT NULL,
attempts_left INTEGER NOT NULL,
PRIMARY KEY(serial)
);`)
	if err != nil {
		return fmt.Errorf("cannot create outbox: %w", err)
	}
	return nil
}

// Publisher returns the publisher of the outbox
func (o *Outbox) Publisher() Publisher {
	return o.publisher
}

// Insert adds a notification to the outbox as part of tx. The logger context of ctx is
// stored with it, so the request id shows up when the notification is published.
func (o *Outbox) Insert(ctx context.Context, tx *sql.Tx, resource string, operation core.Operation, resourceID uuid.UUID, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := tx.ExecContext(ctx, o.insertQuery,
		resource,
		string(operation),
		resourceID,
		string(payload),
		string(logger.SerializeLoggerContext(ctx)),
		time.Now().UTC(),
		o.maxAttempts,
	)
	if err != nil {
		return fmt.Errorf("cannot insert notification: %w", err)
	}
	return nil
}

// Report summarizes one run of Process
type Report struct {
	Published int
	Failed    int
	Lines     []string
}

func (r Report) String() string {
	return fmt.Sprintf("published %d, failed %d\n  %s", r.Published, r.Failed, strings.Join(r.Lines, "\n  "))
}

// Process drains the outbox. Every worker claims one notification at a time in its own
// transaction, publishes it and deletes it on success. A worker stops when the outbox
// is empty or a publish failed; the failed notification keeps its row until its
// attempts are used up.
func (o *Outbox) Process(ctx context.Context) Report {
	var (
		mu     sync.Mutex
		report Report
		wg     sync.WaitGroup
	)
	add := func(published bool, line string) {
		mu.Lock()
		defer mu.Unlock()
		if published {
			report.Published++
		} else {
			report.Failed++
		}
		report.Lines = append(report.Lines, line)
	}

	wg.Add(o.concurrency)
	for i := 0; i < o.concurrency; i++ {
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				more, err := o.processOne(ctx, add)
				if err != nil {
					add(false, err.Error())
					return
				}
				if !more {
					return
				}
			}
		}()
	}
	wg.Wait()

	rlog := logger.FromContext(ctx)
	if report.Published+report.Failed > 0 {
		rlog.Infoln("processing report:", report.String())
	}
	return report
}

// processOne handles a single notification. It returns false when there was nothing to do
func (o *Outbox) processOne(ctx context.Context, add func(bool, string)) (bool, error) {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	var (
		n         Notification
		operation string
	)
	err = tx.QueryRowContext(ctx, o.claimQuery).Scan(
		&n.Serial,
		&n.Resource,
		&operation,
		&n.ResourceID,
		&n.Payload,
		&n.Context,
		&n.CreatedAt,
		&n.AttemptsLeft,
	)
	if err != nil {
		tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to retrieve notification: %w", err)
	}
	n.Operation = core.Operation(operation)

	nctx := logger.ContextWithLoggerFromData(ctx, n.Context)
	if err = callWithPanicEnvelope(nctx, o.publisher, n); err != nil {
		// the last attempt failed, the notification is dropped. Otherwise the decremented
		// attempts are kept for the next round.
		if n.AttemptsLeft == 0 {
			if _, derr := tx.ExecContext(ctx, o.deleteQuery, n.Serial); derr != nil {
				tx.Rollback()
				return false, fmt.Errorf("error dropping #%d: %w", n.Serial, derr)
			}
		}
		if cerr := tx.Commit(); cerr != nil {
			return false, fmt.Errorf("error committing #%d: %w", n.Serial, cerr)
		}
		if n.AttemptsLeft == 0 {
			logger.FromContext(nctx).WithError(err).Errorf("giving up notification #%d %s", n.Serial, n.Key())
		}
		add(false, fmt.Sprintf("error publishing #%d %s: %s", n.Serial, n.Key(), err))
		return false, nil
	}

	if _, err = tx.ExecContext(ctx, o.deleteQuery, n.Serial); err != nil {
		tx.Rollback()
		return false, fmt.Errorf("error deleting #%d: %w", n.Serial, err)
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("error committing #%d: %w", n.Serial, err)
	}
	add(true, fmt.Sprintf("successfully published #%d %s", n.Serial, n.Key()))
	return true, nil
}

func callWithPanicEnvelope(ctx context.Context, publisher Publisher, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %s", r)
		}
	}()
	return publisher.Publish(ctx, n)
}
