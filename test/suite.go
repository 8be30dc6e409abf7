//go:build integration

// Package test holds the integration tests of the bookstore. They run against real
// Postgres and Kafka containers, execute with 'go test -tags=integration ./test/...'
package test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/bookstore/core/access"
	"github.com/relabs-tech/bookstore/core/backend"
	"github.com/relabs-tech/bookstore/core/client"
	"github.com/relabs-tech/bookstore/core/csql"
	"github.com/relabs-tech/bookstore/core/notify"
)

const (
	notificationTopic = "order_notification"
	adminEmail        = "admin@bookstore.test"
	adminPassword     = "integration-secret"
)

// IntegrationTestSuite runs a bookstore backend on a fresh schema behind a real http server
type IntegrationTestSuite struct {
	*backend.Backend
	suite.Suite

	srv        *httptest.Server
	network    *testcontainers.DockerNetwork
	containers []testcontainers.Container
	kafkaAddr  string

	// admin is a client logged in as administrator
	admin client.Client
}

// start runs a container in the suite network, reachable by the other containers as alias
func (s *IntegrationTestSuite) start(ctx context.Context, alias string, req testcontainers.ContainerRequest) testcontainers.Container {
	req.Networks = []string{s.network.Name}
	req.NetworkAliases = map[string][]string{s.network.Name: {alias}}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	s.Require().NoError(err, alias)
	s.containers = append(s.containers, c)
	return c
}

// endpoint returns host:port of the mapped port of c
func (s *IntegrationTestSuite) endpoint(ctx context.Context, c testcontainers.Container, port nat.Port) (string, string) {
	host, err := c.Host(ctx)
	s.Require().NoError(err)
	mapped, err := c.MappedPort(ctx, port)
	s.Require().NoError(err)
	return host, mapped.Port()
}

// startPostgres returns the connection string of a fresh database
func (s *IntegrationTestSuite) startPostgres(ctx context.Context) (dsn, password string) {
	const user, database = "bookstore", "bookstore_test"
	password = "bookstore-password"
	pg := s.start(ctx, "postgres", testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     user,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       database,
		},
		// postgres restarts once after initdb
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	})
	host, port := s.endpoint(ctx, pg, "5432")
	return fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable", host, port, user, database), password
}

// startKafka starts a single broker and creates the notification topic
func (s *IntegrationTestSuite) startKafka(ctx context.Context) {
	s.start(ctx, "zookeeper", testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-zookeeper:7.5.0",
		ExposedPorts: []string{"2181/tcp"},
		Env:          map[string]string{"ZOOKEEPER_CLIENT_PORT": "2181", "ZOOKEEPER_TICK_TIME": "2000"},
		WaitingFor:   wait.ForListeningPort("2181/tcp"),
	})
	// the broker advertises localhost:9092 to the tests, so the port is bound as is
	broker := s.start(ctx, "kafka", testcontainers.ContainerRequest{
		Image:        "confluentinc/cp-kafka:7.5.0",
		ExposedPorts: []string{"9092:9092/tcp"},
		Env: map[string]string{
			"KAFKA_BROKER_ID":                        "1",
			"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
			"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,INTERNAL://0.0.0.0:9093",
			"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,INTERNAL://kafka:9093",
			"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,INTERNAL:PLAINTEXT",
			"KAFKA_INTER_BROKER_LISTENER_NAME":       "INTERNAL",
			"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
		},
		WaitingFor: wait.ForLog("started (kafka.server.KafkaServer)"),
	})
	host, port := s.endpoint(ctx, broker, "9092")
	s.kafkaAddr = host + ":" + port

	conn, err := kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)
	defer conn.Close()
	s.Require().NoError(conn.CreateTopics(kafka.TopicConfig{
		Topic:             notificationTopic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()
	var err error
	s.network, err = network.New(ctx)
	s.Require().NoError(err)

	dsn, password := s.startPostgres(ctx)
	s.startKafka(ctx)

	db := csql.OpenWithSchema(dsn, password, "bookstore_integration")
	db.ClearSchema()

	router := mux.NewRouter()
	s.Backend, err = backend.New(&backend.Builder{
		DB:           db,
		Router:       router,
		UpdateSchema: true,
		PublicURL:    "http://localhost",
		Publisher:    notify.NewKafkaPublisher([]string{s.kafkaAddr}, notificationTopic),
		LoginRate:    100,
		LoginBurst:   100,
	})
	s.Require().NoError(err)
	_, err = s.EnsureAdminAccount(ctx, adminEmail, adminPassword)
	s.Require().NoError(err)

	s.srv = httptest.NewServer(router)
	s.admin = s.login(adminEmail, adminPassword)
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.srv != nil {
		s.srv.Close()
	}
	if s.Backend != nil {
		s.Close()
	}
	// stop in reverse order, kafka before zookeeper
	for i := len(s.containers) - 1; i >= 0; i-- {
		s.NoError(s.containers[i].Terminate(ctx))
	}
	if s.network != nil {
		s.NoError(s.network.Remove(ctx))
	}
}

// client returns an anonymous client for the test server
func (s *IntegrationTestSuite) client() client.Client {
	return client.NewWithURL(s.srv.URL)
}

// login logs in and returns a client carrying the access token
func (s *IntegrationTestSuite) login(email, password string) client.Client {
	var response backend.LoginResponse
	_, err := s.client().RawPost("/accounts/login", map[string]string{"email": email, "password": password}, &response)
	s.Require().NoError(err)
	return s.client().WithToken(response.Token)
}

// registerCustomer registers a new customer and returns a logged in client
func (s *IntegrationTestSuite) registerCustomer(name string) (client.Client, backend.Account) {
	email := fmt.Sprintf("%s.%d@bookstore.test", name, time.Now().UnixNano())
	var a backend.Account
	_, err := s.client().RawPost("/accounts/register", map[string]string{
		"email": email, "name": name, "password": "customer-password",
	}, &a)
	s.Require().NoError(err)
	s.Require().Equal([]string{access.RoleCustomer}, a.Roles)
	return s.login(email, "customer-password"), a
}

// createBook creates a book as administrator
func (s *IntegrationTestSuite) createBook(title string, priceCents int64, stock int) backend.Book {
	var bk backend.Book
	_, err := s.admin.RawPost("/books", map[string]interface{}{
		"title":       title,
		"author":      "Integration",
		"isbn":        fmt.Sprintf("%013d", time.Now().UnixNano()%1e13),
		"category":    "testing",
		"price_cents": priceCents,
		"stock":       stock,
	}, &bk)
	s.Require().NoError(err)
	return bk
}
