package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"

	"github.com/relabs-tech/bookstore/core/backend"
	"github.com/relabs-tech/bookstore/core/csql"
	"github.com/relabs-tech/bookstore/core/kss"
	"github.com/relabs-tech/bookstore/core/logger"
	"github.com/relabs-tech/bookstore/core/notify"
)

// Service holds the configuration for this service
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
type Service struct {
	Postgres         string `env:"POSTGRES,required" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" description:"password to the Postgres DB"`
	Schema           string `env:"POSTGRES_SCHEMA,default=bookstore" description:"the schema all relations live in"`
	Port             int    `env:"PORT,default=3000" description:"the port to listen on"`
	PublicURL        string `env:"PUBLIC_URL,default=http://localhost:3000" description:"the public url of the service"`
	LogLevel         string `env:"LOG_LEVEL,default=info" description:"the log level"`
	PermitsFile      string `env:"PERMITS_FILE" description:"a JSON file replacing the default permission table"`

	JWTSecret     string        `env:"JWT_SECRET" description:"secret for access tokens, generated and stored in the database if empty"`
	JWTIssuer     string        `env:"JWT_ISSUER,default=bookstore" description:"issuer claim of access tokens"`
	TokenValidity time.Duration `env:"TOKEN_VALIDITY,default=24h" description:"validity of access tokens"`
	BackdoorToken string        `env:"BACKDOOR_TOKEN" description:"bearer token with admin authorization, development only"`
	AdminEmail    string        `env:"ADMIN_EMAIL" description:"email of the initial admin account"`
	AdminPassword string        `env:"ADMIN_PASSWORD" description:"password of the initial admin account"`
	LoginRate     float64       `env:"LOGIN_RATE,default=1" description:"login attempts per second and client"`
	LoginBurst    int           `env:"LOGIN_BURST,default=5" description:"login attempts a client may burst"`

	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS,default=false" description:"take client addresses from X-Forwarded-For, only behind a trusted proxy"`

	KssDriver    string `env:"KSS_DRIVER" description:"cover storage driver, Local or AWSS3"`
	KssLocalPath string `env:"KSS_LOCAL_PATH,default=./covers" description:"base folder of the Local cover storage"`
	AWSRegion    string `env:"AWS_REGION" description:"AWS region of the cover bucket and the SQS queue"`
	AWSBucket    string `env:"AWS_BUCKET" description:"AWS bucket for cover images"`
	AWSKeyPrefix string `env:"AWS_KEY_PREFIX" description:"prefix of all cover keys in the bucket"`
	AWSAccessID  string `env:"AWS_ACCESS_ID" description:"AWS access id, uses the default credential chain if empty"`
	AWSAccessKey string `env:"AWS_ACCESS_KEY" description:"AWS access key"`

	KafkaBrokers string        `env:"KAFKA_BROKERS" description:"comma separated kafka brokers for order notifications"`
	KafkaTopic   string        `env:"KAFKA_TOPIC,default=order_notification" description:"kafka topic for order notifications"`
	SQSQueueURL  string        `env:"SQS_QUEUE_URL" description:"SQS queue for order notifications, used when no kafka brokers are set"`
	Heartbeat    time.Duration `env:"NOTIFICATION_HEARTBEAT,default=1m" description:"interval in which failed notifications are retried"`
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	service := &Service{}
	root := &cobra.Command{
		Use:           "bookstore",
		Short:         "Online bookstore backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := envdecode.Decode(service); err != nil {
				logger.Default().WithError(err).Errorln("invalid configuration")
				return err
			}
			logger.InitLoggerFromString(service.LogLevel)
			return nil
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), service)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "create-admin",
		Short: "Create the admin account given by ADMIN_EMAIL and ADMIN_PASSWORD, or grant it the admin role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return createAdmin(cmd.Context(), service)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(backend.Version)
		},
	})
	return root
}

func (s *Service) builder(ctx context.Context, db *csql.DB, router *mux.Router) (*backend.Builder, error) {
	bb := &backend.Builder{
		DB:            db,
		Router:        router,
		UpdateSchema:  true,
		PublicURL:     s.PublicURL,
		JWTSecret:     []byte(s.JWTSecret),
		JWTIssuer:     s.JWTIssuer,
		TokenValidity: s.TokenValidity,
		BackdoorToken: s.BackdoorToken,
		LoginRate:     s.LoginRate,
		LoginBurst:    s.LoginBurst,
	}
	bb.TrustProxyHeaders = s.TrustProxyHeaders
	if s.PermitsFile != "" {
		config, err := os.ReadFile(s.PermitsFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read permission table: %w", err)
		}
		bb.Config = string(config)
	}

	driverType, err := kss.ParseDriverType(s.KssDriver)
	if err != nil {
		return nil, err
	}
	bb.KssConfiguration.DriverType = driverType
	switch driverType {
	case kss.DriverTypeLocal:
		bb.KssConfiguration.LocalConfiguration = &kss.LocalConfiguration{BasePath: s.KssLocalPath}
	case kss.DriverTypeAWSS3:
		bb.KssConfiguration.S3Configuration = &kss.S3Configuration{
			AccessID:      s.AWSAccessID,
			AccessKey:     s.AWSAccessKey,
			AWSBucketName: s.AWSBucket,
			AWSRegion:     s.AWSRegion,
			KeyPrefix:     s.AWSKeyPrefix,
		}
	}

	bb.Publisher, err = s.publisher(ctx)
	if err != nil {
		return nil, err
	}
	return bb, nil
}

// publisher selects where order notifications go. Kafka wins over SQS, without either they are logged
func (s *Service) publisher(ctx context.Context) (notify.Publisher, error) {
	switch {
	case s.KafkaBrokers != "":
		logger.Default().Infof("publishing order notifications to kafka topic %s", s.KafkaTopic)
		return notify.NewKafkaPublisher(strings.Split(s.KafkaBrokers, ","), s.KafkaTopic), nil
	case s.SQSQueueURL != "":
		logger.Default().Infof("publishing order notifications to SQS queue %s", s.SQSQueueURL)
		return notify.NewSQSPublisher(ctx, s.AWSRegion, s.SQSQueueURL)
	}
	logger.Default().Infoln("no broker configured, order notifications are only logged")
	return notify.LogPublisher{}, nil
}

func serve(ctx context.Context, s *Service) error {
	db, err := csql.Open(s.Postgres, s.PostgresPassword, s.Schema)
	if err != nil {
		return err
	}
	defer db.Close()

	router := mux.NewRouter()
	bb, err := s.builder(ctx, db, router)
	if err != nil {
		return err
	}
	b, err := backend.New(bb)
	if err != nil {
		return err
	}
	defer b.Close()

	if s.AdminEmail != "" {
		if _, err := b.EnsureAdminAccount(ctx, s.AdminEmail, s.AdminPassword); err != nil {
			return fmt.Errorf("cannot create admin account: %w", err)
		}
	}
	b.ProcessNotificationsAsync(s.Heartbeat, b.Done())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		logger.Default().Infof("listen on port :%d", s.Port)
		errs <- server.ListenAndServe()
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case sig := <-signals:
		logger.Default().Infof("received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}
	return nil
}

func createAdmin(ctx context.Context, s *Service) error {
	if s.AdminEmail == "" || s.AdminPassword == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required")
	}
	db, err := csql.Open(s.Postgres, s.PostgresPassword, s.Schema)
	if err != nil {
		return err
	}
	defer db.Close()

	b, err := backend.New(&backend.Builder{
		DB:                   db,
		Router:               mux.NewRouter(),
		UpdateSchema:         true,
		JWTSecret:            []byte(s.JWTSecret),
		TriggerNotifications: func() {},
	})
	if err != nil {
		return err
	}
	defer b.Close()

	a, err := b.EnsureAdminAccount(ctx, s.AdminEmail, s.AdminPassword)
	if err != nil {
		return err
	}
	logger.Default().Infof("account %s (%s) has roles %v", a.Email, a.AccountID, a.Roles)
	return nil
}
