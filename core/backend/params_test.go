package backend

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorEncoding(t *testing.T) {
	original := PaginationCursor{
		Timestamp: time.Date(2025, 6, 17, 10, 30, 0, 123456000, time.UTC),
		ID:        uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
	}
	encoded := original.Encode()
	require.NotEmpty(t, encoded)

	decoded, err := DecodePaginationCursor(encoded)
	require.NoError(t, err)
	assert.True(t, decoded.Timestamp.Equal(original.Timestamp))
	assert.Equal(t, original.ID, decoded.ID)
}

func TestCursorInvalidFormats(t *testing.T) {
	for _, tc := range []string{
		"invalid_format",
		"123",
		"123.invalid_uuid",
		"invalid_timestamp.550e8400-e29b-41d4-a716-446655440000",
		"",
	} {
		_, err := DecodePaginationCursor(tc)
		assert.Error(t, err, tc)
	}
}

func TestParseListParams(t *testing.T) {
	r := httptest.NewRequest("GET", "/books?limit=5&page=3&order=asc&category=poetry", nil)
	p, err := parseListParams(r, "category")
	require.NoError(t, err)
	assert.Equal(t, 5, p.limit)
	assert.Equal(t, 3, p.page)
	assert.True(t, p.ascending)
	assert.Equal(t, 10, p.offset())
	assert.Equal(t, map[string]string{"category": "poetry"}, p.filters)

	p, err = parseListParams(httptest.NewRequest("GET", "/books", nil))
	require.NoError(t, err)
	assert.Equal(t, defaultLimit, p.limit)
	assert.Equal(t, 1, p.page)
	assert.False(t, p.ascending)
	assert.Equal(t, 0, p.offset())

	_, err = parseListParams(httptest.NewRequest("GET", "/books?category=poetry", nil))
	assert.EqualError(t, err, "parameter 'category': unknown")
}

func TestPageClause(t *testing.T) {
	p := listParams{limit: 10, page: 2}
	q := sqlQuery{}
	q.add("category=%s", "poetry")
	assert.Equal(t, " ORDER BY title DESC,book_id DESC LIMIT 11 OFFSET 10", p.pageClause(&q, "title", "timestamp", "book_id"))
	assert.Equal(t, " WHERE category=$1", q.whereClause())

	cursor := PaginationCursor{Timestamp: time.Now(), ID: uuid.New()}
	p = listParams{limit: 10, cursor: &cursor, ascending: true}
	clause := p.pageClause(&q, "timestamp", "timestamp", "book_id")
	assert.Equal(t, " ORDER BY timestamp ASC,book_id ASC LIMIT 11", clause)
	assert.Equal(t, " WHERE category=$1 AND (timestamp,book_id)>($2,$3)", q.whereClause())
	assert.Len(t, q.args, 3)
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `50\% off\_sale\\`, escapeLike(`50% off_sale\`))
	assert.Equal(t, "plain", escapeLike("plain"))
}

func TestIfNoneMatchFound(t *testing.T) {
	etag := `"abc"`
	assert.False(t, ifNoneMatchFound("", etag))
	assert.True(t, ifNoneMatchFound("*", etag))
	assert.True(t, ifNoneMatchFound(`"abc"`, etag))
	assert.True(t, ifNoneMatchFound(`"xyz", "abc"`, etag))
	assert.False(t, ifNoneMatchFound(`"xyz"`, etag))
}

func TestPaginationHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	next := &PaginationCursor{Timestamp: time.Now(), ID: uuid.New()}
	writePaginationHeaders(rec, listParams{limit: 10, page: 1}, 0, next)
	assert.Equal(t, "1", rec.Header().Get("Pagination-Page-Count"))
	assert.Equal(t, "0", rec.Header().Get("Pagination-Total-Count"))
	assert.Equal(t, next.Encode(), rec.Header().Get("Pagination-Next-Cursor"))

	rec = httptest.NewRecorder()
	writePaginationHeaders(rec, listParams{limit: 10, page: 1}, 21, nil)
	assert.Equal(t, "3", rec.Header().Get("Pagination-Page-Count"))
	assert.Empty(t, rec.Header().Get("Pagination-Next-Cursor"))
}
