package backend

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/bookstore/core"
	"github.com/relabs-tech/bookstore/core/access"
	"github.com/relabs-tech/bookstore/core/logger"
	"github.com/relabs-tech/bookstore/core/schema"
)

// Review is a customer's review of a book. An account can review a book once.
type Review struct {
	ReviewID   uuid.UUID `json:"review_id"`
	BookID     uuid.UUID `json:"book_id"`
	AccountID  uuid.UUID `json:"account_id"`
	AuthorName string    `json:"author_name"`
	Rating     int       `json:"rating"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
}

const reviewColumns = `review_id, book_id, account_id, author_name, rating, text, timestamp`

func scanReview(row scanner) (Review, error) {
	var rv Review
	err := row.Scan(&rv.ReviewID, &rv.BookID, &rv.AccountID, &rv.AuthorName, &rv.Rating, &rv.Text, &rv.Timestamp)
	return rv, err
}

func (b *Backend) bookExists(ctx context.Context, bookID uuid.UUID) error {
	var exists bool
	err := b.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+b.db.Table("book")+` WHERE book_id=$1);`,
		bookID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// CreateReview stores the review of accountID for bookID. The author name is taken from the account
func (b *Backend) CreateReview(ctx context.Context, bookID, accountID uuid.UUID, rating int, text string) (Review, error) {
	if err := b.bookExists(ctx, bookID); err != nil {
		return Review{}, err
	}
	rv, err := scanReview(b.db.QueryRowContext(ctx, `INSERT INTO `+b.db.Table("review")+`
(`+reviewColumns+`)
SELECT $1, $2, account_id, name, $4, $5, $6 FROM `+b.db.Table("account")+` WHERE account_id=$3
RETURNING `+reviewColumns+`;`,
		uuid.New(), bookID, accountID, rating, text, time.Now().UTC()))
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	return rv, err
}

// ReadReview reads the review reviewID of bookID
func (b *Backend) ReadReview(ctx context.Context, bookID, reviewID uuid.UUID) (Review, error) {
	rv, err := scanReview(b.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM `+b.db.Table("review")+`
WHERE book_id=$1 AND review_id=$2;`, bookID, reviewID))
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	return rv, err
}

func (b *Backend) handleReviews(router *mux.Router) {
	logger.Default().Debugln("book/review")
	logger.Default().Debugln("  handle collection route: /books/{book_id}/reviews GET,POST")
	logger.Default().Debugln("  handle item route: /books/{book_id}/reviews/{review_id} GET,DELETE")

	router.HandleFunc("/books/{book_id}/reviews", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "book/review", core.OperationList, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		bookID, err := pathID(r, "book_id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p, err := parseListParams(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = b.bookExists(r.Context(), bookID); err != nil {
			writeError(w, r, "4201", err)
			return
		}

		q := sqlQuery{}
		q.add("book_id=%s", bookID)
		var totalCount int
		err = b.db.QueryRowContext(r.Context(), `SELECT count(*) FROM `+b.db.Table("review")+q.whereClause()+`;`,
			q.args...).Scan(&totalCount)
		if err != nil {
			writeError(w, r, "4202", err)
			return
		}
		clause := p.pageClause(&q, "timestamp", "timestamp", "review_id")
		rows, err := b.db.QueryContext(r.Context(), `SELECT `+reviewColumns+` FROM `+b.db.Table("review")+
			q.whereClause()+clause+`;`, q.args...)
		if err != nil {
			writeError(w, r, "4203", err)
			return
		}
		defer rows.Close()
		reviews := []Review{}
		for rows.Next() {
			rv, err := scanReview(rows)
			if err != nil {
				writeError(w, r, "4204", err)
				return
			}
			reviews = append(reviews, rv)
		}
		if err = rows.Err(); err != nil {
			writeError(w, r, "4205", err)
			return
		}
		var next *PaginationCursor
		if len(reviews) > p.limit {
			reviews = reviews[:p.limit]
			last := reviews[len(reviews)-1]
			next = &PaginationCursor{Timestamp: last.Timestamp, ID: last.ReviewID}
		}
		writePaginationHeaders(w, p, totalCount, next)
		jsonData, _ := json.Marshal(reviews)
		writeJSONWithEtag(w, r, bytesPlusTotalCountToEtag(jsonData, totalCount), jsonData)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/books/{book_id}/reviews", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		auth := access.AuthorizationFromContext(r.Context())
		if !b.isAuthorized(auth, "book/review", core.OperationCreate, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		accountID, ok := accountIDFromAuthorization(auth)
		if !ok {
			http.Error(w, "reviews require an account", http.StatusBadRequest)
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
		if err = b.validator.ValidateBytes(body, schema.ReviewID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var in struct {
			Rating int    `json:"rating"`
			Text   string `json:"text"`
		}
		if err = json.Unmarshal(body, &in); err != nil {
			http.Error(w, "invalid review: "+err.Error(), http.StatusBadRequest)
			return
		}
		rv, err := b.CreateReview(r.Context(), bookID, accountID, in.Rating, in.Text)
		if err != nil {
			writeError(w, r, "4206", err)
			return
		}
		logger.FromContext(r.Context()).Infof("account %s reviewed book %s with %d", accountID, bookID, rv.Rating)
		writeJSON(w, http.StatusCreated, rv)
	}).Methods(http.MethodPost)

	router.HandleFunc("/books/{book_id}/reviews/{review_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "book/review", core.OperationRead, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		rv, ok := b.reviewFromPath(w, r)
		if !ok {
			return
		}
		jsonData, _ := json.Marshal(rv)
		writeJSONWithEtag(w, r, bytesToEtag(jsonData), jsonData)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/books/{book_id}/reviews/{review_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		rv, ok := b.reviewFromPath(w, r)
		if !ok {
			return
		}
		// only the author may delete a review, the permit selects on the review's account
		params := map[string]string{"account_id": rv.AccountID.String()}
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "account/review", core.OperationDelete, params) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		_, err := b.db.ExecContext(r.Context(), `DELETE FROM `+b.db.Table("review")+` WHERE review_id=$1;`, rv.ReviewID)
		if err != nil {
			writeError(w, r, "4207", err)
			return
		}
		logger.FromContext(r.Context()).Infof("deleted review %s of book %s", rv.ReviewID, rv.BookID)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)
}

func (b *Backend) reviewFromPath(w http.ResponseWriter, r *http.Request) (Review, bool) {
	bookID, err := pathID(r, "book_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return Review{}, false
	}
	reviewID, err := pathID(r, "review_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return Review{}, false
	}
	rv, err := b.ReadReview(r.Context(), bookID, reviewID)
	if err != nil {
		writeError(w, r, "4208", err)
		return rv, false
	}
	return rv, true
}
