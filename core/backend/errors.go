package backend

import (
	"errors"
	"net/http"

	"github.com/relabs-tech/bookstore/core/csql"
	"github.com/relabs-tech/bookstore/core/logger"
)

// Sentinel errors of the bookstore domain. They are mapped to status codes in statusFor
var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrIllegalTransition = errors.New("illegal order status transition")
	ErrRevisionMismatch  = errors.New("revision mismatch")
	ErrDuplicate         = errors.New("duplicate")
)

// statusFor maps an error to a http status code. Unknown errors are internal errors
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, csql.ErrNoRows), csql.IsForeignKeyViolation(err):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrEmptyCart),
		errors.Is(err, ErrIllegalTransition),
		errors.Is(err, ErrRevisionMismatch),
		errors.Is(err, ErrDuplicate),
		csql.IsUniqueViolation(err):
		return http.StatusConflict
	case csql.IsInvalidTextRepresentation(err):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError answers with the status for err. Internal errors are logged with code and
// only the code is returned to the client.
func writeError(w http.ResponseWriter, r *http.Request, code string, err error) {
	status := statusFor(err)
	switch {
	case csql.IsUniqueViolation(err):
		err = ErrDuplicate
	case csql.IsInvalidTextRepresentation(err):
		err = errors.New("invalid identifier")
	case csql.IsForeignKeyViolation(err):
		err = ErrNotFound
	case status == http.StatusInternalServerError:
		logger.FromContext(r.Context()).WithError(err).Errorf("Error %s", code)
		http.Error(w, "Error "+code, status)
		return
	}
	http.Error(w, err.Error(), status)
}
