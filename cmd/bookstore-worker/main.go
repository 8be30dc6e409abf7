// The bookstore worker drains the order notification outbox. It runs as an AWS lambda triggered by
// a scheduled CloudWatch event, so that the HTTP servers do not need to process notifications
// themselves.
package main

import (
	"context"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/bookstore/core/backend"
	"github.com/relabs-tech/bookstore/core/csql"
	"github.com/relabs-tech/bookstore/core/logger"
	"github.com/relabs-tech/bookstore/core/notify"
)

// Service holds the configuration for the worker
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" description:"password to the Postgres DB"`
	Schema           string `env:"POSTGRES_SCHEMA,default=bookstore" description:"the schema all relations live in"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"the log level"`
	JWTSecret        string `env:"JWT_SECRET" description:"secret for access tokens"`
	AWSRegion        string `env:"AWS_REGION" description:"AWS region of the SQS queue"`
	KafkaBrokers     string `env:"KAFKA_BROKERS" description:"comma separated kafka brokers for order notifications"`
	KafkaTopic       string `env:"KAFKA_TOPIC,default=order_notification" description:"kafka topic for order notifications"`
	SQSQueueURL      string `env:"SQS_QUEUE_URL" description:"SQS queue for order notifications"`
	Concurrency      int    `env:"PIPELINE_CONCURRENCY,default=4" description:"number of workers draining the outbox"`
}

type worker struct {
	backend *backend.Backend
}

func (w *worker) handle(ctx context.Context, event events.CloudWatchEvent) (notify.Report, error) {
	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, "worker")
	rlog.Debugf("processing notifications for event %s", event.ID)
	report := w.backend.ProcessNotifications(ctx)
	if report.Failed > 0 {
		rlog.Warnln("notifications failed:", report)
	}
	return report, nil
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLoggerFromString(service.LogLevel)

	var publisher notify.Publisher = notify.LogPublisher{}
	switch {
	case service.KafkaBrokers != "":
		publisher = notify.NewKafkaPublisher(strings.Split(service.KafkaBrokers, ","), service.KafkaTopic)
	case service.SQSQueueURL != "":
		sqsPublisher, err := notify.NewSQSPublisher(context.Background(), service.AWSRegion, service.SQSQueueURL)
		if err != nil {
			panic(err)
		}
		publisher = sqsPublisher
	}

	db := csql.OpenWithSchema(service.Postgres, service.PostgresPassword, service.Schema)
	defer db.Close()

	b, err := backend.New(&backend.Builder{
		DB:                   db,
		Router:               mux.NewRouter(),
		JWTSecret:            []byte(service.JWTSecret),
		Publisher:            publisher,
		PipelineConcurrency:  service.Concurrency,
		TriggerNotifications: func() {},
	})
	if err != nil {
		panic(err)
	}
	defer b.Close()

	w := &worker{backend: b}
	lambda.Start(w.handle)
}
