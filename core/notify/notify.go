// Package notify delivers order events to the outside world.
//
// Events are written into an outbox table in the same transaction as the
// change they describe. The Outbox later drains the table and hands every
// event to a Publisher, which forwards it to Kafka, SQS or the log.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/bookstore/core"
)

// Notification is one event read from the outbox
type Notification struct {
	Serial     int
	Resource   string
	Operation  core.Operation
	ResourceID uuid.UUID
	Payload    []byte
	// Context is the serialized logger context of the request that created the event
	Context      []byte
	CreatedAt    time.Time
	AttemptsLeft int
}

// Key returns the event name, e.g. "create order"
func (n Notification) Key() string {
	return string(n.Operation) + " " + n.Resource
}

// Publisher sends notifications to a downstream system
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
	Close() error
}
