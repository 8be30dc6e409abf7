package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextWithLogger_KeepsExisting(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	require.NotNil(t, rlog)
	id := RequestIDFromContext(ctx)
	assert.NotEmpty(t, id)

	ctx2, rlog2 := ContextWithLogger(ctx)
	assert.Equal(t, rlog, rlog2)
	assert.Equal(t, id, RequestIDFromContext(ctx2))
}

func TestSerializeRoundTrip(t *testing.T) {
	ctx, _ := ContextWithLoggerIdentity(context.Background(), "reader@example.com")
	data := SerializeLoggerContext(ctx)

	restored := ContextWithLoggerFromData(context.Background(), data)
	assert.Equal(t, RequestIDFromContext(ctx), RequestIDFromContext(restored))
	assert.Equal(t, "reader@example.com", IdentityFromContext(restored))
}

func TestContextWithLoggerFromData_Invalid(t *testing.T) {
	ctx := ContextWithLoggerFromData(context.Background(), []byte("{}"))
	assert.NotEmpty(t, RequestIDFromContext(ctx))
	assert.Equal(t, "{}", string(SerializeLoggerContext(context.Background())))
}

func TestAddRequestID(t *testing.T) {
	router := mux.NewRouter()
	AddRequestID(router)
	var seen string
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestAddRequestID_TakesOverValidID(t *testing.T) {
	router := mux.NewRouter()
	AddRequestID(router)
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {})

	requestID := "7d444840-9dc0-11d1-b245-5ffdce74fad2"
	r := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.Header.Set(RequestIDHeader, requestID)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, requestID, rec.Header().Get(RequestIDHeader))

	r = httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.Header.Set(RequestIDHeader, "not-a-uuid\nwith-injection")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.NotEqual(t, "not-a-uuid\nwith-injection", rec.Header().Get(RequestIDHeader))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}
