package kss

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/bookstore/core/logger"
)

// FilesystemRoute is the route under which the local filesystem serves pre-signed URLs
const FilesystemRoute = "/kss/filesystem"

// LocalConfiguration contains the configuration for the local filesystem KSS service
type LocalConfiguration struct {
	BasePath string
	// PrivateKey signs the URLs. When nil, a random key is generated
	PrivateKey *rsa.PrivateKey
}

// LocalFilesystem is the entity which provides local filesystem
type LocalFilesystem struct {
	baseFolder string
	publicURL  url.URL
	privateKey *rsa.PrivateKey
	now        func() time.Time
}

// NewLocalFilesystem returns a new LocalFilesystem and registers its route on router
func NewLocalFilesystem(router *mux.Router, config LocalConfiguration, publicURL url.URL) (*LocalFilesystem, error) {
	privateKey := config.PrivateKey
	if privateKey == nil {
		logger.Default().Warn("No private key provided to sign URLs, a random one will be generated")
		logger.Default().Warn("This can only work when running in a single instance configuration")

		var err error
		privateKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(config.BasePath, 0700); err != nil {
		return nil, fmt.Errorf("cannot create base folder: %w", err)
	}
	f := &LocalFilesystem{
		baseFolder: config.BasePath,
		publicURL:  publicURL,
		privateKey: privateKey,
		now:        time.Now,
	}

	logger.Default().Debugln("filesystem routes enabled")
	logger.Default().Debugln("  handle filesystem route: " + FilesystemRoute + " GET,PUT")
	router.Handle(FilesystemRoute, http.HandlerFunc(f.handler)).Methods(http.MethodOptions, http.MethodGet, http.MethodPut)
	return f, nil
}

func (f *LocalFilesystem) handler(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	v := r.URL.Query()
	key := v.Get("key")

	if !f.isValid(v) {
		rlog.Errorf("invalid signature for %s", r.URL.String())
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	if Method(r.Method) != Method(v.Get("method")) {
		rlog.Errorf("Signature valid for %s, but was used for %s", v.Get("method"), r.Method)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	rlog.Infof("Filesystem: [%s] key: '%s'", r.Method, key)
	switch r.Method {
	case http.MethodGet:
		filePath := f.filePath(key)
		if _, err := os.Stat(filePath); err != nil {
			http.Error(w, "no such file", http.StatusNotFound)
			return
		}
		http.ServeFile(w, r, filePath)
	case http.MethodPut:
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxUploadSize))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "file too large", http.StatusRequestEntityTooLarge)
			return
		}
		if err != nil {
			rlog.WithError(err).Errorf("Error 4200: Could not read body key: '%s'", key)
			http.Error(w, "Error 4200", http.StatusBadRequest)
			return
		}
		if err = f.UploadData(r.Context(), key, data); err != nil {
			rlog.WithError(err).Errorf("Error 4201: Could not store key: '%s'", key)
			http.Error(w, "Error 4201", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *LocalFilesystem) filePath(key string) string {
	return filepath.Join(f.baseFolder, filepath.FromSlash(key), "file")
}

// UploadData stores data under key
func (f *LocalFilesystem) UploadData(ctx context.Context, key string, data []byte) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key '%s'", key)
	}
	filePath := f.filePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return err
	}
	return os.WriteFile(filePath, data, 0600)
}

// Delete deletes the key file
func (f *LocalFilesystem) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("invalid key '%s'", key)
	}
	return os.RemoveAll(filepath.Join(f.baseFolder, filepath.FromSlash(key)))
}

// DeleteAllWithPrefix deletes all keys below prefix. Only whole path
// segments are matched.
func (f *LocalFilesystem) DeleteAllWithPrefix(ctx context.Context, prefix string) error {
	return f.Delete(ctx, strings.TrimSuffix(prefix, "/"))
}

// GetPreSignedURL returns a pre-signed URL that can be used with the given method until expireIn
// has passed. key must be a valid file name
func (f *LocalFilesystem) GetPreSignedURL(ctx context.Context, method Method, key string, expireIn time.Duration) (string, error) {
	if !validKey(key) {
		return "", fmt.Errorf("invalid key '%s'", key)
	}
	if method != Get && method != Put {
		return "", fmt.Errorf("%s unsupported method to presign '%s'", method, key)
	}
	v := url.Values{}
	v.Set("key", key)
	v.Set("expiry", f.now().Add(expireIn).UTC().Format(time.RFC3339Nano))
	v.Set("method", string(method))

	signature, err := f.sign(v)
	if err != nil {
		return "", err
	}
	v.Set("signature", signature)

	u := url.URL{
		Scheme:   f.publicURL.Scheme,
		Host:     f.publicURL.Host,
		Path:     strings.TrimSuffix(f.publicURL.Path, "/") + FilesystemRoute,
		RawQuery: v.Encode(),
	}
	return u.String(), nil
}

// sign signs the encoded query. Encode sorts by key, so the result does not
// depend on the order in which the client sends the parameters
func (f *LocalFilesystem) sign(v url.Values) (string, error) {
	hashed := sha256.Sum256([]byte(v.Encode()))
	signature, err := rsa.SignPKCS1v15(rand.Reader, f.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return "", fmt.Errorf("cannot sign url: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(signature), nil
}

// isValid tells whether or not the query of a pre-signed url is valid
func (f *LocalFilesystem) isValid(query url.Values) bool {
	v := url.Values{}
	for _, name := range []string{"key", "expiry", "method"} {
		if len(query[name]) != 1 {
			return false
		}
		v.Set(name, query.Get(name))
	}
	if !validKey(v.Get("key")) {
		return false
	}
	expiry, err := time.Parse(time.RFC3339Nano, v.Get("expiry"))
	if err != nil || expiry.Before(f.now()) {
		return false
	}

	signature, err := base64.RawURLEncoding.DecodeString(query.Get("signature"))
	if err != nil {
		return false
	}
	hashed := sha256.Sum256([]byte(v.Encode()))
	return rsa.VerifyPKCS1v15(&f.privateKey.PublicKey, crypto.SHA256, hashed[:], signature) == nil
}

func validKey(key string) bool {
	return key != "" && !strings.Contains(key, "..") && !strings.HasPrefix(key, "/")
}
