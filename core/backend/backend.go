package backend

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/bookstore/core/access"
	"github.com/relabs-tech/bookstore/core/csql"
	"github.com/relabs-tech/bookstore/core/kss"
	"github.com/relabs-tech/bookstore/core/logger"
	"github.com/relabs-tech/bookstore/core/metrics"
	"github.com/relabs-tech/bookstore/core/notify"
	"github.com/relabs-tech/bookstore/core/ratelimit"
	"github.com/relabs-tech/bookstore/core/registry"
	"github.com/relabs-tech/bookstore/core/schema"
)

// Backend is the bookstore REST backend
type Backend struct {
	db        *csql.DB
	router    *mux.Router
	permits   map[string][]access.Permit
	validator *schema.Validator
	publicURL string

	// Registry is the JSON object registry for this backend's schema
	Registry registry.Registry
	settings registry.Accessor

	tokens       *access.TokenIssuer
	loginLimiter *ratelimit.Limiter
	// stop ends the background routines of the backend
	stop chan struct{}

	outbox               *notify.Outbox
	triggerNotifications func()

	// KssDriver stores cover images, nil if no storage is configured
	KssDriver kss.Driver
	// coverURLValidity is how long a pre-signed cover URL is valid
	coverURLValidity time.Duration
}

// Builder is a builder helper for the Backend
type Builder struct {
	// Config is the JSON permission table of all resources. Defaults to DefaultConfiguration()
	Config string
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// UpdateSchema creates the sql relations if they do not exist
	UpdateSchema bool
	// PublicURL is the public URL of the service, used to build cover URLs
	PublicURL string

	// JWTSecret signs access tokens. If empty, a secret is generated once and kept in the registry
	JWTSecret []byte
	// JWTIssuer is the issuer claim of access tokens. Defaults to "bookstore"
	JWTIssuer string
	// TokenValidity defaults to 24 hours
	TokenValidity time.Duration
	// BackdoorToken, if set, is a bearer token with admin authorization. Use for development only
	BackdoorToken string

	// LoginRate is the number of login attempts per second and client. Defaults to 1
	LoginRate float64
	// LoginBurst defaults to 5
	LoginBurst int
	// TrustProxyHeaders takes the client address from X-Forwarded-For, X-Real-IP or Forwarded.
	// Enable only behind a proxy which sets these headers, otherwise clients can forge them.
	TrustProxyHeaders bool

	// KssConfiguration configures the storage of cover images. Optional
	KssConfiguration KssConfiguration
	// CoverURLValidity defaults to 15 minutes
	CoverURLValidity time.Duration

	// Publisher receives order notifications. Defaults to a notify.LogPublisher
	Publisher notify.Publisher
	// PipelineConcurrency is the number of workers draining the outbox. Defaults to 1
	PipelineConcurrency int
	// PipelineMaxAttempts defaults to 3
	PipelineMaxAttempts int
	// TriggerNotifications replaces the default trigger, which processes notifications in a go
	// routine after every commit. Useful when a separate worker drains the outbox
	TriggerNotifications func()
}

// KssConfiguration selects and configures the cover storage driver
type KssConfiguration struct {
	DriverType         kss.DriverType
	LocalConfiguration *kss.LocalConfiguration
	S3Configuration    *kss.S3Configuration
}

// New realizes the actual backend. It creates the sql relations (if requested)
// and adds actual routes and middlewares to router
func New(bb *Builder) (*Backend, error) {
	if bb.DB == nil {
		return nil, fmt.Errorf("DB is missing")
	}
	if bb.Router == nil {
		return nil, fmt.Errorf("Router is missing")
	}
	if bb.Config == "" {
		bb.Config = DefaultConfiguration()
	}
	permits, err := parseConfiguration(bb.Config)
	if err != nil {
		return nil, err
	}
	validator, err := schema.NewBookstoreValidator()
	if err != nil {
		return nil, fmt.Errorf("cannot load schemas: %w", err)
	}

	b := &Backend{
		db:               bb.DB,
		router:           bb.Router,
		permits:          permits,
		validator:        validator,
		publicURL:        bb.PublicURL,
		Registry:         registry.New(bb.DB),
		coverURLValidity: bb.CoverURLValidity,
		stop:             make(chan struct{}),
	}
	b.settings = b.Registry.Accessor("settings")
	if b.coverURLValidity <= 0 {
		b.coverURLValidity = 15 * time.Minute
	}

	b.outbox = notify.NewOutbox(bb.DB, bb.Publisher, notify.OutboxConfig{
		Concurrency: bb.PipelineConcurrency,
		MaxAttempts: bb.PipelineMaxAttempts,
	})
	b.triggerNotifications = bb.TriggerNotifications
	if b.triggerNotifications == nil {
		b.triggerNotifications = func() {
			go b.ProcessNotifications(context.Background())
		}
	}

	if bb.UpdateSchema {
		if err = b.createTables(); err != nil {
			return nil, err
		}
	}

	if err = b.configureTokens(bb); err != nil {
		return nil, err
	}
	if err = b.configureKSS(bb.KssConfiguration); err != nil {
		return nil, err
	}
	if bb.LoginRate <= 0 {
		bb.LoginRate = 1
	}
	if bb.LoginBurst <= 0 {
		bb.LoginBurst = 5
	}
	b.loginLimiter = ratelimit.New(bb.LoginRate, bb.LoginBurst)
	b.loginLimiter.StartCleanup(10*time.Minute, b.stop)

	b.handleMiddlewares(bb)
	b.handleRoutes(b.router)
	return b, nil
}

// configureTokens sets up the token issuer. Without a configured secret, the secret is read from
// the registry and generated on first use, so that all instances sharing the database agree on it
func (b *Backend) configureTokens(bb *Builder) error {
	secret := bb.JWTSecret
	if len(secret) == 0 {
		ctx := context.Background()
		jwtRegistry := b.Registry.Accessor("_jwt_")
		var stored string
		if _, err := jwtRegistry.Read(ctx, "secret", &stored); err != nil {
			return err
		}
		if stored == "" {
			random := make([]byte, 32)
			if _, err := rand.Read(random); err != nil {
				return err
			}
			written, err := jwtRegistry.WriteIfAbsent(ctx, "secret", hex.EncodeToString(random))
			if err != nil {
				return err
			}
			// another instance may have been faster
			if _, err := jwtRegistry.Read(ctx, "secret", &stored); err != nil {
				return err
			}
			if written {
				logger.Default().Infoln("generated new secret for access tokens")
			}
		}
		secret = []byte(stored)
	}
	issuer := bb.JWTIssuer
	if issuer == "" {
		issuer = "bookstore"
	}
	validity := bb.TokenValidity
	if validity <= 0 {
		validity = 24 * time.Hour
	}
	tokens, err := access.NewTokenIssuer(secret, issuer, validity)
	if err != nil {
		return err
	}
	b.tokens = tokens
	return nil
}

// handleMiddlewares installs the middlewares. mux runs them in the order they are added
func (b *Backend) handleMiddlewares(bb *Builder) {
	if bb.TrustProxyHeaders {
		b.router.Use(handlers.ProxyHeaders)
	}
	logger.AddRequestID(b.router)
	b.router.Use(handlers.RecoveryHandler(
		handlers.RecoveryLogger(logger.Default()),
		handlers.PrintRecoveryStack(true),
	))
	b.router.Use(metrics.InstrumentHandler)
	b.handleCORS()
	b.handleCompression()
	if bb.BackdoorToken != "" {
		logger.Default().Warnln("backdoor token enabled, do not use in production")
		b.router.Use(access.NewBackdoorMiddleware(bb.BackdoorToken, access.Authorization{Roles: []string{access.RoleAdmin}}))
	}
	b.router.Use(access.NewJwtMiddleware(b.tokens))
}

// handleRoutes adds all routes of the bookstore
func (b *Backend) handleRoutes(router *mux.Router) {
	logger.Default().Debugln("backend: HandleRoutes")

	access.HandleAuthorizationRoute(router)
	b.handleAccounts(router)
	b.handleBooks(router)
	b.handleReviews(router)
	b.handleCart(router)
	b.handleOrders(router)
	b.handleSettings(router)
	b.handleStatistics(router)
	b.handleVersion(router)
	b.handleHealth(router)
	router.Handle(metrics.Route, metrics.Handler()).Methods(http.MethodGet)
}

// Router returns the router of the backend
func (b *Backend) Router() *mux.Router {
	return b.router
}

// Tokens returns the issuer of access tokens
func (b *Backend) Tokens() *access.TokenIssuer {
	return b.tokens
}

// Close stops the background routines and releases the resources held by the backend, e.g.
// broker connections. It must be called once
func (b *Backend) Close() error {
	close(b.stop)
	return b.outbox.Publisher().Close()
}

// Done is closed when the backend is closed
func (b *Backend) Done() <-chan struct{} {
	return b.stop
}

// createTables creates all sql relations of the bookstore
func (b *Backend) createTables() error {
	if err := b.Registry.CreateTable(); err != nil {
		return err
	}
	if err := b.outbox.CreateTable(); err != nil {
		return err
	}
	_, err := b.db.Exec(`
CREATE table IF NOT EXISTS ` + b.db.Table("account") + `
(account_id uuid NOT NULL DEFAULT uuid_generate_v4(),
email VARCHAR NOT NULL,
name VARCHAR NOT NULL,
password_hash VARCHAR NOT NULL,
roles VARCHAR[] NOT NULL,
properties JSON NOT NULL,
timestamp TIMESTAMP NOT NULL,
revision INTEGER NOT NULL DEFAULT 1,
PRIMARY KEY(account_id),
UNIQUE(email)
);
CREATE table IF NOT EXISTS ` + b.db.Table("book") + `
(book_id uuid NOT NULL DEFAULT uuid_generate_v4(),
isbn VARCHAR NOT NULL,
title VARCHAR NOT NULL,
author VARCHAR NOT NULL,
category VARCHAR NOT NULL DEFAULT '',
price_cents BIGINT NOT NULL CHECK (price_cents >= 0),
stock INTEGER NOT NULL CHECK (stock >= 0),
has_cover BOOLEAN NOT NULL DEFAULT false,
properties JSON NOT NULL,
timestamp TIMESTAMP NOT NULL,
revision INTEGER NOT NULL DEFAULT 1,
PRIMARY KEY(book_id),
UNIQUE(isbn)
);
CREATE index IF NOT EXISTS book_category ON ` + b.db.Table("book") + `(category);
CREATE index IF NOT EXISTS book_timestamp ON ` + b.db.Table("book") + `(timestamp, book_id);
CREATE table IF NOT EXISTS ` + b.db.Table("review") + `
(review_id uuid NOT NULL DEFAULT uuid_generate_v4(),
book_id uuid NOT NULL REFERENCES ` + b.db.Table("book") + ` ON DELETE CASCADE,
account_id uuid NOT NULL REFERENCES ` + b.db.Table("account") + ` ON DELETE CASCADE,
author_name VARCHAR NOT NULL,
rating INTEGER NOT NULL CHECK (rating BETWEEN 1 AND 5),
text VARCHAR NOT NULL DEFAULT '',
timestamp TIMESTAMP NOT NULL,
PRIMARY KEY(review_id),
UNIQUE(book_id, account_id)
);
CREATE table IF NOT EXISTS ` + b.db.Table("cart") + `
(account_id uuid NOT NULL REFERENCES ` + b.db.Table("account") + ` ON DELETE CASCADE,
items JSON NOT NULL,
timestamp TIMESTAMP NOT NULL,
PRIMARY KEY(account_id)
);
CREATE table IF NOT EXISTS ` + b.db.Table("order") + `
(order_id uuid NOT NULL DEFAULT uuid_generate_v4(),
account_id uuid NOT NULL,
status VARCHAR NOT NULL,
items JSON NOT NULL,
totals JSON NOT NULL,
total_cents BIGINT NOT NULL,
shipping_address JSON NOT NULL,
payment_method VARCHAR NOT NULL,
note VARCHAR NOT NULL DEFAULT '',
timestamp TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL,
PRIMARY KEY(order_id)
);
CREATE index IF NOT EXISTS order_account ON ` + b.db.Table("order") + `(account_id, timestamp);
`)
	if err != nil {
		return fmt.Errorf("cannot create relations: %w", err)
	}
	return nil
}
