package kss

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFilesystem(t *testing.T) (*LocalFilesystem, *mux.Router) {
	router := mux.NewRouter()
	u, err := url.Parse("https://localhost")
	require.NoError(t, err)
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	f, err := NewLocalFilesystem(router, LocalConfiguration{BasePath: t.TempDir(), PrivateKey: key}, *u)
	require.NoError(t, err)
	return f, router
}

func do(router http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, target, bytes.NewReader(body)))
	return rec
}

func TestLocal_PresignedURL_PutGet(t *testing.T) {
	f, router := newTestFilesystem(t)
	ctx := context.Background()
	key := CoverKey("some_book")

	pushURL, err := f.GetPreSignedURL(ctx, Put, key, time.Minute)
	require.NoError(t, err)
	assert.Contains(t, pushURL, "https://localhost"+FilesystemRoute)
	assert.Equal(t, http.StatusOK, do(router, http.MethodPut, pushURL, []byte("123")).Code)

	getURL, err := f.GetPreSignedURL(ctx, Get, key, time.Minute)
	require.NoError(t, err)
	rec := do(router, http.MethodGet, getURL, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "123", rec.Body.String())

	// a GET signature cannot be used to upload
	assert.Equal(t, http.StatusForbidden, do(router, http.MethodPut, getURL, []byte("456")).Code)
}

func TestLocal_UploadTooLarge(t *testing.T) {
	f, router := newTestFilesystem(t)
	ctx := context.Background()
	key := CoverKey("huge_book")

	pushURL, err := f.GetPreSignedURL(ctx, Put, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, do(router, http.MethodPut, pushURL, make([]byte, MaxUploadSize+1)).Code)

	getURL, err := f.GetPreSignedURL(ctx, Get, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, getURL, nil).Code)

	assert.Equal(t, http.StatusOK, do(router, http.MethodPut, pushURL, make([]byte, MaxUploadSize)).Code)
}

func TestLocal_InvalidSignatures(t *testing.T) {
	f, router := newTestFilesystem(t)
	ctx := context.Background()

	pushURL, err := f.GetPreSignedURL(ctx, Put, "some_key", time.Minute)
	require.NoError(t, err)
	tainted, err := url.Parse(pushURL)
	require.NoError(t, err)
	v := tainted.Query()
	v.Set("key", "another_key")
	tainted.RawQuery = v.Encode()
	assert.Equal(t, http.StatusForbidden, do(router, http.MethodPut, tainted.String(), []byte("123")).Code)

	expired, err := f.GetPreSignedURL(ctx, Put, "some_key", -time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, do(router, http.MethodPut, expired, []byte("123")).Code)

	assert.Equal(t, http.StatusForbidden, do(router, http.MethodGet, FilesystemRoute+"?key=some_key", nil).Code)

	_, err = f.GetPreSignedURL(ctx, Put, "../etc/passwd", time.Minute)
	assert.Error(t, err)
}

func TestLocal_Delete(t *testing.T) {
	f, router := newTestFilesystem(t)
	ctx := context.Background()
	key := CoverKey("book")

	require.NoError(t, f.UploadData(ctx, key, []byte("cover")))
	getURL, err := f.GetPreSignedURL(ctx, Get, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, do(router, http.MethodGet, getURL, nil).Code)

	require.NoError(t, f.Delete(ctx, key))
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, getURL, nil).Code)

	require.NoError(t, f.UploadData(ctx, CoverKey("a"), []byte("a")))
	require.NoError(t, f.UploadData(ctx, CoverKey("b"), []byte("b")))
	require.NoError(t, f.DeleteAllWithPrefix(ctx, "covers/"))
	getURL, err = f.GetPreSignedURL(ctx, Get, CoverKey("a"), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, do(router, http.MethodGet, getURL, nil).Code)
}

func TestParseDriverType(t *testing.T) {
	d, err := ParseDriverType("AWSS3")
	require.NoError(t, err)
	assert.Equal(t, DriverTypeAWSS3, d)
	d, err = ParseDriverType("")
	require.NoError(t, err)
	assert.Equal(t, None, d)
	_, err = ParseDriverType("ftp")
	assert.Error(t, err)
}
