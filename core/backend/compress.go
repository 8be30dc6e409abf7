package backend

import (
	"net/http"
	"strings"

	"github.com/gorilla/handlers"

	"github.com/relabs-tech/bookstore/core/kss"
)

// uncompressed reports whether a response must not be gzipped. Covers are binary already
// and the metrics handler negotiates its encoding itself.
func uncompressed(path string) bool {
	return strings.HasSuffix(path, "/cover") || strings.HasPrefix(path, kss.FilesystemRoute) || path == "/metrics"
}

func (b *Backend) handleCompression() {
	b.router.Use(func(h http.Handler) http.Handler {
		gzipped := handlers.CompressHandler(h)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if uncompressed(r.URL.Path) {
				h.ServeHTTP(w, r)
				return
			}
			gzipped.ServeHTTP(w, r)
		})
	})
}
