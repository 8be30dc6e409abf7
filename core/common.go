// Package core holds the vocabulary shared by the server and the client: the
// operations a permit grants, the response headers of the REST API and the
// naming rule for routes.
package core

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Operation is what a permit allows a role to do with a resource
type Operation string

const (
	OperationCreate Operation = "create"
	OperationRead   Operation = "read"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationList   Operation = "list"
	// OperationClear empties a collection, e.g. the shopping cart
	OperationClear Operation = "clear"
)

// Valid reports whether o is one of the known operations
func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationRead, OperationUpdate, OperationDelete, OperationList, OperationClear:
		return true
	}
	return false
}

// UnmarshalJSON rejects unknown operations, so that a typo in a permits file fails at startup
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if !Operation(s).Valid() {
		return fmt.Errorf("%q is not a valid operation", s)
	}
	*o = Operation(s)
	return nil
}

// Headers of list and document responses
const (
	HeaderEtag                  = "Etag"
	HeaderIfNoneMatch           = "If-None-Match"
	HeaderPaginationLimit       = "Pagination-Limit"
	HeaderPaginationTotalCount  = "Pagination-Total-Count"
	HeaderPaginationPageCount   = "Pagination-Page-Count"
	HeaderPaginationCurrentPage = "Pagination-Current-Page"
	HeaderPaginationNextCursor  = "Pagination-Next-Cursor"
)

// ExposedHeaders are the response headers browsers may read in cross origin requests
var ExposedHeaders = []string{
	HeaderEtag,
	HeaderPaginationLimit,
	HeaderPaginationTotalCount,
	HeaderPaginationPageCount,
	HeaderPaginationCurrentPage,
	HeaderPaginationNextCursor,
	"Request-Id",
}

// Plural returns the collection name for a resource, e.g. "categories" for "category".
// Routes name collections in plural and single resources by their ID below it.
func Plural(singular string) string {
	switch {
	case strings.HasSuffix(singular, "s"):
		return singular
	case strings.HasSuffix(singular, "y") && !strings.HasSuffix(singular, "ey"):
		return singular[:len(singular)-1] + "ies"
	}
	return singular + "s"
}
