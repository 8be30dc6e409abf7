package backend

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatistics(t *testing.T) {
	tb := newTestBackend(t)

	tb.mock.ExpectQuery(sqlFor(`SELECT count(*), COALESCE(sum(stock), 0) FROM bookstore."book";`)).
		WillReturnRows(sqlmock.NewRows([]string{"count", "sum"}).AddRow(int64(12), int64(340)))
	tb.mock.ExpectQuery(sqlFor(`SELECT count(*) FROM bookstore."account";`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))
	tb.mock.ExpectQuery(sqlFor(`SELECT status, count(*), COALESCE(sum(total_cents), 0) FROM bookstore."order"`)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count", "sum"}).
			AddRow(OrderCancelled, int64(2), int64(9000)).
			AddRow(OrderPaid, int64(3), int64(12000)).
			AddRow(OrderPending, int64(1), int64(2500)))

	var s Statistics
	_, header, err := tb.client.WithAdminAuthorization().RawGetWithHeader("/statistics", nil, &s)
	require.NoError(t, err)
	assert.NotEmpty(t, header.Get("Etag"))
	assert.Equal(t, int64(12), s.Books.Count)
	assert.Equal(t, int64(340), s.Books.TotalStock)
	assert.Equal(t, int64(7), s.Accounts.Count)
	assert.Equal(t, map[string]int64{OrderCancelled: 2, OrderPaid: 3, OrderPending: 1}, s.Orders)
	assert.Equal(t, int64(14500), s.RevenueCents)
}
