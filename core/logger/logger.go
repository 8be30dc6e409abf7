// Package logger provides request scoped logrus loggers.
//
// Every request gets its own logger carrying a requestID field. Once the
// requester has been authenticated, the logger also carries their identity.
// Loggers can be serialized into outbox rows so that asynchronous work logs
// with the request ID that caused it.
package logger

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader is the header carrying the request ID. A valid uuid sent by the caller, e.g. a
// gateway, is taken over, otherwise a new one is generated. The response always carries it.
const RequestIDHeader = "Request-Id"

// trace is what survives the serialization of a request logger
type trace struct {
	RequestID string `json:"requestID"`
	Identity  string `json:"identity,omitempty"`
}

// requestLogger is stored in the context
type requestLogger struct {
	trace
	entry *logrus.Entry
}

type contextKey struct{}

func newRequestLogger(t trace) *requestLogger {
	fields := logrus.Fields{"requestID": t.RequestID}
	if t.Identity != "" {
		fields["identity"] = t.Identity
	}
	return &requestLogger{trace: t, entry: logrus.WithFields(fields)}
}

func withRequestLogger(ctx context.Context, rl *requestLogger) context.Context {
	return context.WithValue(ctx, contextKey{}, rl)
}

func requestLoggerFrom(ctx context.Context) *requestLogger {
	if ctx == nil {
		return nil
	}
	rl, _ := ctx.Value(contextKey{}).(*requestLogger)
	return rl
}

// InitLogger sets up the text formatter with full timestamps and the log level
func InitLogger(logLevel logrus.Level) {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	logrus.SetLevel(logLevel)
}

// InitLoggerFromString is InitLogger with a textual level like "debug" or "info".
// Unknown levels fall back to info.
func InitLoggerFromString(level string) {
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	InitLogger(logLevel)
}

// AddRequestID installs the middleware which gives every request its logger
func AddRequestID(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rl := requestLoggerFrom(ctx)
			if rl == nil {
				requestID := r.Header.Get(RequestIDHeader)
				if _, err := uuid.Parse(requestID); err != nil {
					requestID = uuid.NewString()
				}
				rl = newRequestLogger(trace{RequestID: requestID})
				ctx = withRequestLogger(ctx, rl)
			}
			w.Header().Set(RequestIDHeader, rl.RequestID)
			rl.entry.Debugln("called route for", r.URL, r.Method)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

// Default returns a logger without a request ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger makes sure the context has a request logger, creating one with a new request ID
// if necessary.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	}
	if rl := requestLoggerFrom(ctx); rl != nil {
		return ctx, rl.entry
	}
	rl := newRequestLogger(trace{RequestID: uuid.NewString()})
	return withRequestLogger(ctx, rl), rl.entry
}

// ContextWithLoggerFromData restores a logger serialized with SerializeLoggerContext. A context
// which already has a logger is returned as is, data which cannot be restored yields a new logger.
func ContextWithLoggerFromData(ctx context.Context, data []byte) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if requestLoggerFrom(ctx) != nil {
		return ctx
	}
	var t trace
	if err := json.Unmarshal(data, &t); err != nil || t.RequestID == "" {
		ctx, _ = ContextWithLogger(ctx)
		return ctx
	}
	return withRequestLogger(ctx, newRequestLogger(t))
}

// FromContext returns the request logger of the context, or the default logger if there is none
func FromContext(ctx context.Context) *logrus.Entry {
	if rl := requestLoggerFrom(ctx); rl != nil {
		return rl.entry
	}
	return Default()
}

// ContextWithLoggerIdentity adds the identity of the requester, i.e. the account email, to the
// request logger.
func ContextWithLoggerIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	ctx, _ = ContextWithLogger(ctx)
	t := requestLoggerFrom(ctx).trace
	t.Identity = identity
	rl := newRequestLogger(t)
	return withRequestLogger(ctx, rl), rl.entry
}

// SerializeLoggerContext returns the JSON representation of the request logger, "{}" without one
func SerializeLoggerContext(ctx context.Context) []byte {
	rl := requestLoggerFrom(ctx)
	if rl == nil {
		return []byte("{}")
	}
	data, err := json.Marshal(rl.trace)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// RequestIDFromContext returns the request ID, or "" if the context has no request logger
func RequestIDFromContext(ctx context.Context) string {
	if rl := requestLoggerFrom(ctx); rl != nil {
		return rl.RequestID
	}
	return ""
}

// IdentityFromContext returns the identity of the requester, if known
func IdentityFromContext(ctx context.Context) string {
	if rl := requestLoggerFrom(ctx); rl != nil {
		return rl.Identity
	}
	return ""
}
