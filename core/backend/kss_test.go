package backend

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/bookstore/core/access"
	"github.com/relabs-tech/bookstore/core/csql"
	"github.com/relabs-tech/bookstore/core/kss"
)

func TestConfigureKSS_Invalid(t *testing.T) {
	for _, config := range []KssConfiguration{
		{DriverType: kss.DriverTypeLocal},
		{DriverType: kss.DriverTypeAWSS3},
		{DriverType: "ftp"},
	} {
		_, err := New(&Builder{
			DB:               &csql.DB{},
			Router:           mux.NewRouter(),
			JWTSecret:        testSecret,
			KssConfiguration: config,
		})
		assert.Error(t, err, config.DriverType)
	}
}

func TestCover_Local(t *testing.T) {
	tb := newTestBackend(t, func(bb *Builder) {
		bb.KssConfiguration = KssConfiguration{
			DriverType:         kss.DriverTypeLocal,
			LocalConfiguration: &kss.LocalConfiguration{BasePath: t.TempDir()},
		}
	})
	editor := tb.client.WithRole(access.RoleEditor)
	bookID := uuid.New()
	path := "/books/" + bookID.String() + "/cover"

	status, err := editor.RawPutBlob(path, nil, []byte{}, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	status, err = editor.RawPutBlob(path, nil, make([]byte, kss.MaxUploadSize+1), nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)

	tb.mock.ExpectQuery(sqlFor(`SELECT b.book_id`)).WithArgs(bookID.String()).
		WillReturnRows(sqlmock.NewRows(bookRowColumns).AddRow(bookRow(bookID, "Go", 100, 1, time.Now())...))
	tb.mock.ExpectExec(sqlFor(`UPDATE bookstore."book" SET has_cover=$2 WHERE book_id=$1;`)).
		WithArgs(bookID.String(), true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	status, err = editor.RawPutBlob(path, map[string]string{"Content-Type": "image/png"}, []byte("png"), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	// the book links the stable cover route, which redirects to a fresh signed URL
	row := bookRow(bookID, "Go", 100, 1, time.Now())
	row[7] = true
	tb.mock.ExpectQuery(sqlFor(`SELECT b.book_id`)).WithArgs(bookID.String()).
		WillReturnRows(sqlmock.NewRows(bookRowColumns).AddRow(row...))
	var doc map[string]interface{}
	_, err = editor.RawGet(strings.TrimSuffix(path, "/cover"), &doc)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000"+path, doc["cover_url"])

	// anybody may follow the redirect to the signed download URL
	tb.mock.ExpectQuery(sqlFor(`SELECT has_cover FROM bookstore."book" WHERE book_id=$1;`)).WithArgs(bookID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"has_cover"}).AddRow(true))
	rec := httptest.NewRecorder()
	tb.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	location := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, "http://localhost:3000"+kss.FilesystemRoute), location)

	var data []byte
	_, err = tb.client.RawGet(location, &data)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	// a book without cover
	tb.mock.ExpectQuery(sqlFor(`SELECT has_cover FROM bookstore."book"`)).WithArgs(bookID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"has_cover"}).AddRow(false))
	status, err = tb.client.RawGet(path, nil)
	assert.Error(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}
