package backend

import (
	"crypto/sha1"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/bookstore/core"
)

const (
	defaultLimit = 20
	maxLimit     = 100
	// maximum size of a JSON request body
	maxBodySize = 1 << 20
)

// listParams are the pagination parameters of a list request
type listParams struct {
	limit     int
	page      int
	cursor    *PaginationCursor
	ascending bool
	// filters holds all other parameters, checked against the allowed filters
	filters map[string]string
}

// offset returns the sql offset for page based pagination
func (p listParams) offset() int {
	if p.page < 1 {
		return 0
	}
	return (p.page - 1) * p.limit
}

// parseListParams parses the query of a list request. Unknown parameters and repeated parameters
// are rejected, allowedFilters are the resource specific parameters beyond pagination.
func parseListParams(r *http.Request, allowedFilters ...string) (listParams, error) {
	p := listParams{limit: defaultLimit, filters: map[string]string{}}
	var err error
	for key, array := range r.URL.Query() {
		if len(array) > 1 {
			return p, fmt.Errorf("illegal parameter array '%s'", key)
		}
		value := array[0]
		switch key {
		case "limit":
			p.limit, err = strconv.Atoi(value)
			if err == nil && (p.limit < 1 || p.limit > maxLimit) {
				err = fmt.Errorf("out of range")
			}
		case "page":
			p.page, err = strconv.Atoi(value)
			if err == nil && p.page < 1 {
				err = fmt.Errorf("out of range")
			}
		case "cursor":
			var c PaginationCursor
			c, err = DecodePaginationCursor(value)
			p.cursor = &c
		case "order":
			if value != "asc" && value != "desc" {
				err = fmt.Errorf("order must be asc or desc")
				break
			}
			p.ascending = value == "asc"
		default:
			if !contains(allowedFilters, key) {
				err = fmt.Errorf("unknown")
				break
			}
			p.filters[key] = value
		}
		if err != nil {
			return p, fmt.Errorf("parameter '%s': %w", key, err)
		}
	}
	if p.cursor != nil && p.page > 0 {
		return p, fmt.Errorf("parameters 'page' and 'cursor' are mutually exclusive")
	}
	if p.cursor == nil && p.page == 0 {
		p.page = 1
	}
	return p, nil
}

// pageClause returns the ORDER BY, LIMIT and OFFSET clause of a list query. It fetches one row
// more than the limit, so that the caller can detect whether more data exists. With a cursor, it
// adds the keyset condition to q. Call it after the count query, the cursor must not change the total.
func (p listParams) pageClause(q *sqlQuery, sortColumn, timestampColumn, idColumn string) string {
	direction, comparison := " DESC", "<"
	if p.ascending {
		direction, comparison = " ASC", ">"
	}
	if p.cursor != nil {
		q.add("("+timestampColumn+","+idColumn+")"+comparison+"(%s,%s)", p.cursor.Timestamp, p.cursor.ID)
	}
	clause := " ORDER BY " + sortColumn + direction
	if sortColumn != idColumn {
		clause += "," + idColumn + direction
	}
	clause += " LIMIT " + strconv.Itoa(p.limit+1)
	if offset := p.offset(); offset > 0 {
		clause += " OFFSET " + strconv.Itoa(offset)
	}
	return clause
}

// nonNegativeInt parses an optional non-negative integer filter
func nonNegativeInt(filters map[string]string, key string) (int64, bool, error) {
	value, ok := filters[key]
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.ParseInt(value, 10, 64)
	if err != nil || i < 0 {
		return 0, false, fmt.Errorf("parameter '%s': must be a non-negative integer", key)
	}
	return i, true, nil
}

// sqlQuery accumulates a where clause and its positional arguments
type sqlQuery struct {
	where []string
	args  []interface{}
}

// add adds a condition. Each %s in condition is replaced by the next positional placeholder
func (q *sqlQuery) add(condition string, args ...interface{}) {
	placeholders := make([]interface{}, len(args))
	for i, arg := range args {
		q.args = append(q.args, arg)
		placeholders[i] = "$" + strconv.Itoa(len(q.args))
	}
	q.where = append(q.where, fmt.Sprintf(condition, placeholders...))
}

// next returns the next positional placeholder for arg
func (q *sqlQuery) next(arg interface{}) string {
	q.args = append(q.args, arg)
	return "$" + strconv.Itoa(len(q.args))
}

func (q *sqlQuery) whereClause() string {
	if len(q.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.where, " AND ")
}

// escapeLike escapes the wildcards of a LIKE pattern
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// writePaginationHeaders sets the pagination headers of a list response
func writePaginationHeaders(w http.ResponseWriter, p listParams, totalCount int, next *PaginationCursor) {
	w.Header().Set(core.HeaderPaginationLimit, strconv.Itoa(p.limit))
	w.Header().Set(core.HeaderPaginationTotalCount, strconv.Itoa(totalCount))
	w.Header().Set(core.HeaderPaginationPageCount, strconv.Itoa(((totalCount-1)/p.limit)+1))
	if p.page > 0 {
		w.Header().Set(core.HeaderPaginationCurrentPage, strconv.Itoa(p.page))
	}
	if next != nil {
		w.Header().Set(core.HeaderPaginationNextCursor, next.Encode())
	}
}

// bytesToEtag returns a strong etag for data
func bytesToEtag(data []byte) string {
	return fmt.Sprintf(`"%x"`, sha1.Sum(data))
}

// bytesPlusTotalCountToEtag returns an etag for a list response. Including the total count
// makes the etag change when items are added beyond the current page
func bytesPlusTotalCountToEtag(data []byte, totalCount int) string {
	return bytesToEtag(append([]byte(strconv.Itoa(totalCount)+"."), data...))
}

// ifNoneMatchFound returns true if etag is found in ifNoneMatch. The format of ifNoneMatch is one
// of the following:
// If-None-Match: "<etag_value>"
// If-None-Match: "<etag_value>", "<etag_value>", …
// If-None-Match: *
func ifNoneMatchFound(ifNoneMatch, etag string) bool {
	ifNoneMatch = strings.Trim(ifNoneMatch, " ")
	if len(ifNoneMatch) == 0 {
		return false
	}
	if ifNoneMatch == "*" {
		return true
	}
	for _, s := range strings.Split(ifNoneMatch, ",") {
		s = strings.Trim(s, " \"")
		t := strings.Trim(etag, " \"")
		if s == t {
			return true
		}
	}
	return false
}

// writeJSON marshals data and writes it with status
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	jsonData, _ := json.MarshalWithOption(data, json.DisableHTMLEscape())
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(jsonData)
}

// writeJSONWithEtag writes jsonData with an etag, or answers http.StatusNotModified
// if the client already has it
func writeJSONWithEtag(w http.ResponseWriter, r *http.Request, etag string, jsonData []byte) {
	w.Header().Set(core.HeaderEtag, etag)
	if ifNoneMatchFound(r.Header.Get(core.HeaderIfNoneMatch), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(jsonData)
}

// readBody reads a JSON request body of at most maxBodySize bytes
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
}

// pathID parses the uuid path variable name
func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return id, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
