package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/bookstore/core/logger"
)

// LogPublisher only logs notifications. It is used when no broker is configured
type LogPublisher struct{}

// Publish implements Publisher
func (LogPublisher) Publish(ctx context.Context, n Notification) error {
	logger.FromContext(ctx).WithField("resource_id", n.ResourceID).Infof("notification #%d: %s", n.Serial, n.Key())
	return nil
}

// Close implements Publisher
func (LogPublisher) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes notifications to a Kafka topic. The message key is the
// resource id, so all events of one order land in the same partition.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher returns a publisher writing to topic on brokers
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

// Publish implements Publisher
func (p *KafkaPublisher) Publish(ctx context.Context, n Notification) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.ResourceID.String()),
		Value: n.Payload,
		Headers: []kafka.Header{
			{Key: "resource", Value: []byte(n.Resource)},
			{Key: "operation", Value: []byte(n.Operation)},
			{Key: "request_id", Value: []byte(logger.RequestIDFromContext(ctx))},
		},
		Time: n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("cannot write notification #%d to kafka: %w", n.Serial, err)
	}
	return nil
}

// Close implements Publisher
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends notifications to an AWS SQS queue
type SQSPublisher struct {
	client   sqsSender
	queueURL string
}

// NewSQSPublisher returns a publisher for queueURL, using the default AWS credential chain
func NewSQSPublisher(ctx context.Context, region, queueURL string) (*SQSPublisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("cannot load aws configuration: %w", err)
	}
	return &SQSPublisher{client: sqs.NewFromConfig(cfg), queueURL: queueURL}, nil
}

// Publish implements Publisher
func (p *SQSPublisher) Publish(ctx context.Context, n Notification) error {
	attribute := func(s string) types.MessageAttributeValue {
		return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(s)}
	}
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(n.Payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"resource":    attribute(n.Resource),
			"operation":   attribute(string(n.Operation)),
			"resource_id": attribute(n.ResourceID.String()),
			"serial":      {DataType: aws.String("Number"), StringValue: aws.String(strconv.Itoa(n.Serial))},
		},
	})
	if err != nil {
		return fmt.Errorf("cannot send notification #%d to sqs: %w", n.Serial, err)
	}
	return nil
}

// Close implements Publisher
func (p *SQSPublisher) Close() error { return nil }
