package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/bookstore/core"
	"github.com/relabs-tech/bookstore/core/access"
	"github.com/relabs-tech/bookstore/core/kss"
	"github.com/relabs-tech/bookstore/core/logger"
	"github.com/relabs-tech/bookstore/core/schema"
)

// Book is a book of the catalog. Its JSON representation is a single document: the
// free-form properties merged with the static columns, where the static columns win.
type Book struct {
	BookID     uuid.UUID
	ISBN       string
	Title      string
	Author     string
	Category   string
	PriceCents int64
	Stock      int
	Revision   int
	Timestamp  time.Time
	Properties map[string]interface{}

	HasCover      bool
	CoverURL      string
	AverageRating float64
	ReviewCount   int
}

// bookFields are the static fields of a book document
type bookFields struct {
	BookID        uuid.UUID `json:"book_id"`
	ISBN          string    `json:"isbn"`
	Title         string    `json:"title"`
	Author        string    `json:"author"`
	Category      string    `json:"category"`
	PriceCents    int64     `json:"price_cents"`
	Stock         int       `json:"stock"`
	Revision      int       `json:"revision"`
	Timestamp     time.Time `json:"timestamp"`
	CoverURL      string    `json:"cover_url,omitempty"`
	AverageRating float64   `json:"average_rating"`
	ReviewCount   int       `json:"review_count"`
}

var bookStaticKeys = []string{
	"book_id", "isbn", "title", "author", "category", "price_cents", "stock", "revision",
	"timestamp", "cover_url", "average_rating", "review_count",
}

// MarshalJSON merges properties and static fields into one document
func (bk Book) MarshalJSON() ([]byte, error) {
	doc := map[string]interface{}{}
	for k, v := range bk.Properties {
		doc[k] = v
	}
	doc["book_id"] = bk.BookID
	doc["isbn"] = bk.ISBN
	doc["title"] = bk.Title
	doc["author"] = bk.Author
	doc["category"] = bk.Category
	doc["price_cents"] = bk.PriceCents
	doc["stock"] = bk.Stock
	doc["revision"] = bk.Revision
	doc["timestamp"] = bk.Timestamp
	doc["average_rating"] = bk.AverageRating
	doc["review_count"] = bk.ReviewCount
	if bk.CoverURL != "" {
		doc["cover_url"] = bk.CoverURL
	} else {
		delete(doc, "cover_url")
	}
	return json.Marshal(doc)
}

// UnmarshalJSON splits a book document into static fields and properties
func (bk *Book) UnmarshalJSON(data []byte) error {
	var fields bookFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var properties map[string]interface{}
	if err := json.Unmarshal(data, &properties); err != nil {
		return err
	}
	for _, key := range bookStaticKeys {
		delete(properties, key)
	}
	*bk = Book{
		BookID:        fields.BookID,
		ISBN:          fields.ISBN,
		Title:         fields.Title,
		Author:        fields.Author,
		Category:      fields.Category,
		PriceCents:    fields.PriceCents,
		Stock:         fields.Stock,
		Revision:      fields.Revision,
		Timestamp:     fields.Timestamp,
		Properties:    properties,
		CoverURL:      fields.CoverURL,
		AverageRating: fields.AverageRating,
		ReviewCount:   fields.ReviewCount,
	}
	return nil
}

// bookSelect selects books with their review aggregates. Books are aliased b
func (b *Backend) bookSelect() string {
	return `SELECT b.book_id, b.isbn, b.title, b.author, b.category, b.price_cents, b.stock, b.has_cover,
b.properties, b.timestamp, b.revision, COALESCE(r.average_rating, 0), COALESCE(r.review_count, 0)
FROM ` + b.db.Table("book") + ` b
LEFT JOIN (SELECT book_id, AVG(rating)::float8 AS average_rating, COUNT(*) AS review_count
FROM ` + b.db.Table("review") + ` GROUP BY book_id) r ON r.book_id = b.book_id`
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (b *Backend) scanBook(row scanner) (Book, error) {
	var (
		bk         Book
		properties []byte
	)
	err := row.Scan(&bk.BookID, &bk.ISBN, &bk.Title, &bk.Author, &bk.Category, &bk.PriceCents,
		&bk.Stock, &bk.HasCover, &properties, &bk.Timestamp, &bk.Revision, &bk.AverageRating, &bk.ReviewCount)
	if err != nil {
		return bk, err
	}
	if err = json.Unmarshal(properties, &bk.Properties); err != nil {
		return bk, fmt.Errorf("cannot parse properties of book %s: %w", bk.BookID, err)
	}
	if bk.HasCover && b.KssDriver != nil {
		bk.CoverURL = strings.TrimSuffix(b.publicURL, "/") + "/books/" + bk.BookID.String() + "/cover"
	}
	return bk, nil
}

// ReadBook reads a single book
func (b *Backend) ReadBook(ctx context.Context, bookID uuid.UUID) (Book, error) {
	bk, err := b.scanBook(b.db.QueryRowContext(ctx, b.bookSelect()+` WHERE b.book_id=$1;`, bookID))
	if err == sql.ErrNoRows {
		return bk, ErrNotFound
	}
	return bk, err
}

// CreateBook inserts a new book and returns it as stored
func (b *Backend) CreateBook(ctx context.Context, bk Book) (Book, error) {
	bk.BookID = uuid.New()
	if bk.Properties == nil {
		bk.Properties = map[string]interface{}{}
	}
	properties, _ := json.Marshal(bk.Properties)
	_, err := b.db.ExecContext(ctx, `INSERT INTO `+b.db.Table("book")+`
(book_id, isbn, title, author, category, price_cents, stock, properties, timestamp, revision)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,1);`,
		bk.BookID, bk.ISBN, bk.Title, bk.Author, bk.Category, bk.PriceCents, bk.Stock,
		string(properties), time.Now().UTC())
	if err != nil {
		return bk, err
	}
	return b.ReadBook(ctx, bk.BookID)
}

// UpdateBook replaces the book bk.BookID and increments its revision. If revision is
// non-zero, the book must still be at that revision, otherwise ErrRevisionMismatch is returned.
func (b *Backend) UpdateBook(ctx context.Context, bk Book, revision int) (Book, error) {
	if bk.Properties == nil {
		bk.Properties = map[string]interface{}{}
	}
	properties, _ := json.Marshal(bk.Properties)
	query := `UPDATE ` + b.db.Table("book") + `
SET isbn=$2, title=$3, author=$4, category=$5, price_cents=$6, stock=$7, properties=$8, revision=revision+1
WHERE book_id=$1`
	args := []interface{}{bk.BookID, bk.ISBN, bk.Title, bk.Author, bk.Category, bk.PriceCents, bk.Stock, string(properties)}
	if revision > 0 {
		query += ` AND revision=$9`
		args = append(args, revision)
	}
	res, err := b.db.ExecContext(ctx, query+";", args...)
	if err != nil {
		return bk, err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return bk, err
	}
	if count == 0 {
		if revision > 0 {
			var exists bool
			err = b.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+b.db.Table("book")+` WHERE book_id=$1);`,
				bk.BookID).Scan(&exists)
			if err != nil {
				return bk, err
			}
			if exists {
				return bk, ErrRevisionMismatch
			}
		}
		return bk, ErrNotFound
	}
	return b.ReadBook(ctx, bk.BookID)
}

// DeleteBook deletes a book, its reviews and its cover image
func (b *Backend) DeleteBook(ctx context.Context, bookID uuid.UUID) error {
	var hasCover bool
	err := b.db.QueryRowContext(ctx, `DELETE FROM `+b.db.Table("book")+` WHERE book_id=$1 RETURNING has_cover;`,
		bookID).Scan(&hasCover)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if hasCover && b.KssDriver != nil {
		if err = b.KssDriver.Delete(ctx, kss.CoverKey(bookID.String())); err != nil {
			// the book is gone, a stale file does no harm
			logger.FromContext(ctx).WithError(err).Warnf("cannot delete cover of book %s", bookID)
		}
	}
	return nil
}

// bookFromBody validates body and parses it into a book
func (b *Backend) bookFromBody(body []byte) (Book, error) {
	var bk Book
	if err := b.validator.ValidateBytes(body, schema.BookID); err != nil {
		return bk, err
	}
	err := json.Unmarshal(body, &bk)
	return bk, err
}

func (b *Backend) handleBooks(router *mux.Router) {
	logger.Default().Debugln("book")
	logger.Default().Debugln("  handle collection route: /books GET,POST")
	logger.Default().Debugln("  handle item route: /books/{book_id} GET,PUT,PATCH,DELETE")
	logger.Default().Debugln("  handle cover route: /books/{book_id}/cover GET,POST,PUT,DELETE")

	router.HandleFunc("/books", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "book", core.OperationList, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		b.listBooks(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/books", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "book", core.OperationCreate, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		bk, err := b.bookFromBody(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bk, err = b.CreateBook(r.Context(), bk)
		if err != nil {
			writeError(w, r, "4101", err)
			return
		}
		logger.FromContext(r.Context()).Infof("created book %s isbn %s", bk.BookID, bk.ISBN)
		writeJSON(w, http.StatusCreated, bk)
	}).Methods(http.MethodPost)

	router.HandleFunc("/books/{book_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "book", core.OperationRead, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		bookID, err := pathID(r, "book_id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bk, err := b.ReadBook(r.Context(), bookID)
		if err != nil {
			writeError(w, r, "4102", err)
			return
		}
		jsonData, _ := json.Marshal(bk)
		writeJSONWithEtag(w, r, bytesToEtag(jsonData), jsonData)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/books/{book_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "book", core.OperationUpdate, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		bookID, err := pathID(r, "book_id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		if r.Method == http.MethodPatch {
			body, err = b.mergeBook(r.Context(), bookID, body)
			if err != nil {
				if errors.Is(err, errInvalidPatch) {
					http.Error(w, err.Error(), http.StatusBadRequest)
				} else {
					writeError(w, r, "4103", err)
				}
				return
			}
		}
		bk, err := b.bookFromBody(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		bk.BookID = bookID
		bk, err = b.UpdateBook(r.Context(), bk, bk.Revision)
		if err != nil {
			writeError(w, r, "4104", err)
			return
		}
		logger.FromContext(r.Context()).Infof("updated book %s to revision %d", bk.BookID, bk.Revision)
		writeJSON(w, http.StatusOK, bk)
	}).Methods(http.MethodPut, http.MethodPatch)

	router.HandleFunc("/books/{book_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "book", core.OperationDelete, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		bookID, err := pathID(r, "book_id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = b.DeleteBook(r.Context(), bookID); err != nil {
			writeError(w, r, "4105", err)
			return
		}
		logger.FromContext(r.Context()).Infof("deleted book %s", bookID)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	b.handleCovers(router)
}

var errInvalidPatch = errors.New("invalid patch")

// mergeBook merges the patch document body into the stored book. Properties set to null are removed
func (b *Backend) mergeBook(ctx context.Context, bookID uuid.UUID, body []byte) ([]byte, error) {
	var patch map[string]interface{}
	if err := json.Unmarshal(body, &patch); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidPatch, err)
	}
	current, err := b.ReadBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	currentData, _ := json.Marshal(current)
	var doc map[string]interface{}
	json.Unmarshal(currentData, &doc)
	// the patch carries the revision it was based on, if any
	delete(doc, "revision")
	for k, v := range patch {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	return json.Marshal(doc)
}

func (b *Backend) listBooks(w http.ResponseWriter, r *http.Request) {
	p, err := parseListParams(r, "sort", "category", "author", "search", "min_price", "max_price", "in_stock")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sortColumn := "b.timestamp"
	switch p.filters["sort"] {
	case "", "timestamp":
	case "title":
		sortColumn = "b.title"
	case "price":
		sortColumn = "b.price_cents"
	default:
		http.Error(w, "parameter 'sort': must be timestamp, title or price", http.StatusBadRequest)
		return
	}
	if p.cursor != nil && sortColumn != "b.timestamp" {
		http.Error(w, "parameter 'cursor' requires sort by timestamp", http.StatusBadRequest)
		return
	}

	q := sqlQuery{}
	if category, ok := p.filters["category"]; ok {
		q.add("b.category=%s", category)
	}
	if author, ok := p.filters["author"]; ok {
		q.add("b.author=%s", author)
	}
	if search, ok := p.filters["search"]; ok && search != "" {
		pattern := "%" + escapeLike(search) + "%"
		q.add("(b.title ILIKE %s OR b.author ILIKE %s)", pattern, pattern)
	}
	for _, bound := range []struct {
		key, condition string
	}{{"min_price", "b.price_cents>=%s"}, {"max_price", "b.price_cents<=%s"}} {
		value, ok, err := nonNegativeInt(p.filters, bound.key)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if ok {
			q.add(bound.condition, value)
		}
	}
	switch p.filters["in_stock"] {
	case "":
	case "true":
		q.add("b.stock>0")
	case "false":
		q.add("b.stock=0")
	default:
		http.Error(w, "parameter 'in_stock': must be true or false", http.StatusBadRequest)
		return
	}

	var totalCount int
	err = b.db.QueryRowContext(r.Context(), `SELECT count(*) FROM `+b.db.Table("book")+` b`+q.whereClause()+`;`,
		q.args...).Scan(&totalCount)
	if err != nil {
		writeError(w, r, "4106", err)
		return
	}

	clause := p.pageClause(&q, sortColumn, "b.timestamp", "b.book_id")
	rows, err := b.db.QueryContext(r.Context(), b.bookSelect()+q.whereClause()+clause+`;`, q.args...)
	if err != nil {
		writeError(w, r, "4107", err)
		return
	}
	defer rows.Close()
	books := []Book{}
	for rows.Next() {
		bk, err := b.scanBook(rows)
		if err != nil {
			writeError(w, r, "4108", err)
			return
		}
		books = append(books, bk)
	}
	if err = rows.Err(); err != nil {
		writeError(w, r, "4109", err)
		return
	}

	var next *PaginationCursor
	if len(books) > p.limit {
		books = books[:p.limit]
		if sortColumn == "b.timestamp" {
			last := books[len(books)-1]
			next = &PaginationCursor{Timestamp: last.Timestamp, ID: last.BookID}
		}
	}
	writePaginationHeaders(w, p, totalCount, next)
	jsonData, _ := json.Marshal(books)
	writeJSONWithEtag(w, r, bytesPlusTotalCountToEtag(jsonData, totalCount), jsonData)
}

// CoverUpload is the response to a cover upload request
type CoverUpload struct {
	UploadURL string    `json:"upload_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (b *Backend) setHasCover(ctx context.Context, bookID uuid.UUID, hasCover bool) error {
	res, err := b.db.ExecContext(ctx, `UPDATE `+b.db.Table("book")+` SET has_cover=$2 WHERE book_id=$1;`,
		bookID, hasCover)
	if err != nil {
		return err
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *Backend) handleCovers(router *mux.Router) {
	route := "/books/{book_id}/cover"

	coverRequest := func(w http.ResponseWriter, r *http.Request, operation core.Operation) (uuid.UUID, bool) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "book", operation, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return uuid.Nil, false
		}
		if b.KssDriver == nil {
			http.Error(w, "cover images are not configured", http.StatusNotImplemented)
			return uuid.Nil, false
		}
		bookID, err := pathID(r, "book_id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return uuid.Nil, false
		}
		return bookID, true
	}

	// redirects to a short lived download URL, the stable route keeps the book's etag stable
	router.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		bookID, ok := coverRequest(w, r, core.OperationRead)
		if !ok {
			return
		}
		var hasCover bool
		err := b.db.QueryRowContext(r.Context(), `SELECT has_cover FROM `+b.db.Table("book")+` WHERE book_id=$1;`,
			bookID).Scan(&hasCover)
		if err == nil && !hasCover {
			err = ErrNotFound
		}
		if err != nil {
			writeError(w, r, "4110", err)
			return
		}
		url, err := b.KssDriver.GetPreSignedURL(r.Context(), kss.Get, kss.CoverKey(bookID.String()), b.coverURLValidity)
		if err != nil {
			writeError(w, r, "4111", err)
			return
		}
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		bookID, ok := coverRequest(w, r, core.OperationUpdate)
		if !ok {
			return
		}
		if err := b.setHasCover(r.Context(), bookID, true); err != nil {
			writeError(w, r, "4112", err)
			return
		}
		url, err := b.KssDriver.GetPreSignedURL(r.Context(), kss.Put, kss.CoverKey(bookID.String()), b.coverURLValidity)
		if err != nil {
			writeError(w, r, "4113", err)
			return
		}
		writeJSON(w, http.StatusOK, CoverUpload{UploadURL: url, ExpiresAt: time.Now().UTC().Add(b.coverURLValidity)})
	}).Methods(http.MethodPost)

	router.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		bookID, ok := coverRequest(w, r, core.OperationUpdate)
		if !ok {
			return
		}
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, kss.MaxUploadSize))
		if err != nil {
			http.Error(w, "cannot read cover image", http.StatusRequestEntityTooLarge)
			return
		}
		if len(data) == 0 {
			http.Error(w, "empty cover image", http.StatusBadRequest)
			return
		}
		if _, err = b.ReadBook(r.Context(), bookID); err != nil {
			writeError(w, r, "4114", err)
			return
		}
		if err = b.KssDriver.UploadData(r.Context(), kss.CoverKey(bookID.String()), data); err != nil {
			writeError(w, r, "4115", err)
			return
		}
		if err = b.setHasCover(r.Context(), bookID, true); err != nil {
			writeError(w, r, "4116", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)

	router.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		bookID, ok := coverRequest(w, r, core.OperationUpdate)
		if !ok {
			return
		}
		if err := b.setHasCover(r.Context(), bookID, false); err != nil {
			writeError(w, r, "4117", err)
			return
		}
		if err := b.KssDriver.Delete(r.Context(), kss.CoverKey(bookID.String())); err != nil {
			writeError(w, r, "4118", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
}
