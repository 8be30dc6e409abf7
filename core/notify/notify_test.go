package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/bookstore/core"
	"github.com/relabs-tech/bookstore/core/csql"
	"github.com/relabs-tech/bookstore/core/logger"
)

type recordingPublisher struct {
	published []Notification
	requestID []string
	err       error
}

func (p *recordingPublisher) Publish(ctx context.Context, n Notification) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, n)
	p.requestID = append(p.requestID, logger.RequestIDFromContext(ctx))
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

var outboxColumns = []string{"serial", "resource", "operation", "resource_id", "payload", "context", "created_at", "attempts_left"}

func newMockOutbox(t *testing.T, publisher Publisher) (*Outbox, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewOutbox(&csql.DB{DB: db, Schema: "_outbox_unit_test_"}, publisher, OutboxConfig{}), mock
}

func TestOutbox_Insert(t *testing.T) {
	o, mock := newMockOutbox(t, nil)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO _outbox_unit_test_."_order_notification_outbox_"`).
		WithArgs("order", "create", id, `{"status":"pending"}`, sqlmock.AnyArg(), sqlmock.AnyArg(), 3).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := o.db.Begin()
	require.NoError(t, err)
	ctx, _ := logger.ContextWithLogger(context.Background())
	require.NoError(t, o.Insert(ctx, tx, "order", core.OperationCreate, id, []byte(`{"status":"pending"}`)))
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.IsType(t, LogPublisher{}, o.Publisher())
}

func TestOutbox_ProcessPublishesAndDeletes(t *testing.T) {
	publisher := &recordingPublisher{}
	o, mock := newMockOutbox(t, publisher)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE _outbox_unit_test_."_order_notification_outbox_"`).
		WillReturnRows(sqlmock.NewRows(outboxColumns).
			AddRow(7, "order", "create", id.String(), []byte(`{}`), []byte(`{"requestID":"abc"}`), time.Now(), 2))
	mock.ExpectExec(`DELETE FROM`).WithArgs(7).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE`).WillReturnRows(sqlmock.NewRows(outboxColumns))
	mock.ExpectRollback()

	report := o.Process(context.Background())
	assert.Equal(t, 1, report.Published)
	assert.Equal(t, 0, report.Failed)
	require.Len(t, publisher.published, 1)
	assert.Equal(t, "create order", publisher.published[0].Key())
	assert.Equal(t, id, publisher.published[0].ResourceID)
	assert.Equal(t, []string{"abc"}, publisher.requestID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_ProcessKeepsFailedNotification(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker down")}
	o, mock := newMockOutbox(t, publisher)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE`).
		WillReturnRows(sqlmock.NewRows(outboxColumns).
			AddRow(8, "order", "update", uuid.New().String(), []byte(`{}`), []byte(`{}`), time.Now(), 1))
	mock.ExpectCommit()

	report := o.Process(context.Background())
	assert.Equal(t, 0, report.Published)
	assert.Equal(t, 1, report.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox_ProcessDropsExhaustedNotification(t *testing.T) {
	publisher := &recordingPublisher{err: errors.New("broker down")}
	o, mock := newMockOutbox(t, publisher)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE`).
		WillReturnRows(sqlmock.NewRows(outboxColumns).
			AddRow(9, "order", "update", uuid.New().String(), []byte(`{}`), []byte(`{}`), time.Now(), 0))
	mock.ExpectExec(`DELETE FROM _outbox_unit_test_."_order_notification_outbox_" WHERE serial = \$1;`).
		WithArgs(9).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	report := o.Process(context.Background())
	assert.Equal(t, 0, report.Published)
	assert.Equal(t, 1, report.Failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type fakeWriter struct {
	messages []kafka.Message
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}
	id := uuid.New()
	require.NoError(t, p.Publish(context.Background(), Notification{
		Serial: 1, Resource: "order", Operation: core.OperationUpdate, ResourceID: id, Payload: []byte(`{"status":"paid"}`),
	}))
	require.Len(t, w.messages, 1)
	m := w.messages[0]
	assert.Equal(t, id.String(), string(m.Key))
	assert.JSONEq(t, `{"status":"paid"}`, string(m.Value))
	assert.Equal(t, "resource", m.Headers[0].Key)
	assert.Equal(t, "order", string(m.Headers[0].Value))
	assert.Equal(t, "update", string(m.Headers[1].Value))
}

type fakeSQS struct {
	input *sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = params
	return &sqs.SendMessageOutput{MessageId: aws.String("1")}, nil
}

func TestSQSPublisher(t *testing.T) {
	f := &fakeSQS{}
	p := &SQSPublisher{client: f, queueURL: "https://sqs.eu-central-1.amazonaws.com/1/orders"}
	require.NoError(t, p.Publish(context.Background(), Notification{
		Serial: 3, Resource: "order", Operation: core.OperationCreate, ResourceID: uuid.New(), Payload: []byte(`{}`),
	}))
	require.NotNil(t, f.input)
	assert.Equal(t, "https://sqs.eu-central-1.amazonaws.com/1/orders", aws.ToString(f.input.QueueUrl))
	assert.Equal(t, "create", aws.ToString(f.input.MessageAttributes["operation"].StringValue))
	assert.Equal(t, "3", aws.ToString(f.input.MessageAttributes["serial"].StringValue))
}
