package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrumentHandler(t *testing.T) {
	router := mux.NewRouter()
	router.Use(InstrumentHandler)
	router.HandleFunc("/books/{book_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	router.Handle(Route, Handler())

	before := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/books/{book_id}", "404"))
	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/books/"+id, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
	after := testutil.ToFloat64(httpRequests.WithLabelValues(http.MethodGet, "/books/{book_id}", "404"))
	assert.Equal(t, before+2, after)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Route, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bookstore_http_requests_total")
}

func TestRecorders(t *testing.T) {
	RecordCheckout("created")
	assert.GreaterOrEqual(t, testutil.ToFloat64(checkouts.WithLabelValues("created")), 1.0)

	RecordNotifications(2, 1)
	assert.GreaterOrEqual(t, testutil.ToFloat64(notifications.WithLabelValues("published")), 2.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(notifications.WithLabelValues("failed")), 1.0)

	RecordOrderTransition("pending", "paid")
	assert.GreaterOrEqual(t, testutil.ToFloat64(orderTransitions.WithLabelValues("pending", "paid")), 1.0)
}
