package backend

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/relabs-tech/bookstore/core"
	"github.com/relabs-tech/bookstore/core/access"
	"github.com/relabs-tech/bookstore/core/logger"
	"github.com/relabs-tech/bookstore/core/schema"
)

// CartItem is an item as stored in the cart document
type CartItem struct {
	BookID   uuid.UUID `json:"book_id"`
	Quantity int       `json:"quantity"`
}

// CartLine is a cart item priced with the current price of its book
type CartLine struct {
	BookID         uuid.UUID `json:"book_id"`
	Title          string    `json:"title"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	LineTotalCents int64     `json:"line_total_cents"`
	// Available is false if the book's stock is below the quantity
	Available bool `json:"available"`
}

// Cart is the priced cart of an account
type Cart struct {
	AccountID uuid.UUID  `json:"account_id"`
	Items     []CartLine `json:"items"`
	Totals
	Timestamp time.Time `json:"timestamp"`
}

// querier is implemented by the database and by transactions
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// cartItems reads the stored items of the cart of accountID. A missing cart is empty.
// With forUpdate, the cart row is locked until the end of the transaction
func (b *Backend) cartItems(ctx context.Context, q querier, accountID uuid.UUID, forUpdate bool) ([]CartItem, time.Time, error) {
	var (
		data      []byte
		timestamp time.Time
		items     []CartItem
	)
	query := `SELECT items, timestamp FROM ` + b.db.Table("cart") + ` WHERE account_id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	err := q.QueryRowContext(ctx, query+`;`, accountID).Scan(&data, &timestamp)
	if err == sql.ErrNoRows {
		return []CartItem{}, timestamp, nil
	}
	if err != nil {
		return nil, timestamp, err
	}
	if err = json.Unmarshal(data, &items); err != nil {
		return nil, timestamp, err
	}
	return items, timestamp, nil
}

// writeCartItems stores the items of the cart of accountID, creating the cart if necessary
func (b *Backend) writeCartItems(ctx context.Context, q querier, accountID uuid.UUID, items []CartItem) error {
	if items == nil {
		items = []CartItem{}
	}
	data, _ := json.Marshal(items)
	_, err := q.ExecContext(ctx, `INSERT INTO `+b.db.Table("cart")+` (account_id, items, timestamp)
VALUES($1,$2,$3)
ON CONFLICT (account_id) DO UPDATE SET items=$2, timestamp=$3;`,
		accountID, string(data), time.Now().UTC())
	return err
}

// cartBook is the part of a book needed to price a cart
type cartBook struct {
	ISBN       string
	Title      string
	PriceCents int64
	Stock      int
}

// cartBooks reads the books of items. With forUpdate, the book rows are locked in the order of their ids,
// so that concurrent checkouts cannot deadlock
func (b *Backend) cartBooks(ctx context.Context, q querier, items []CartItem, forUpdate bool) (map[uuid.UUID]cartBook, error) {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.BookID.String()
	}
	query := `SELECT book_id, isbn, title, price_cents, stock FROM ` + b.db.Table("book") +
		` WHERE book_id = ANY($1::uuid[]) ORDER BY book_id`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query+`;`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	books := map[uuid.UUID]cartBook{}
	for rows.Next() {
		var (
			id uuid.UUID
			bk cartBook
		)
		if err = rows.Scan(&id, &bk.ISBN, &bk.Title, &bk.PriceCents, &bk.Stock); err != nil {
			return nil, err
		}
		books[id] = bk
	}
	return books, rows.Err()
}

// ReadCart returns the cart of accountID priced with current prices and settings. Items
// whose book no longer exists are left out.
func (b *Backend) ReadCart(ctx context.Context, accountID uuid.UUID) (Cart, error) {
	cart := Cart{AccountID: accountID, Items: []CartLine{}}
	items, timestamp, err := b.cartItems(ctx, b.db, accountID, false)
	if err != nil {
		return cart, err
	}
	cart.Timestamp = timestamp
	settings, err := b.Settings(ctx)
	if err != nil {
		return cart, err
	}
	books := map[uuid.UUID]cartBook{}
	if len(items) > 0 {
		if books, err = b.cartBooks(ctx, b.db, items, false); err != nil {
			return cart, err
		}
	}
	lines := []Line{}
	for _, item := range items {
		bk, ok := books[item.BookID]
		if !ok {
			continue
		}
		line := Line{Quantity: item.Quantity, UnitPriceCents: bk.PriceCents}
		lines = append(lines, line)
		cart.Items = append(cart.Items, CartLine{
			BookID:         item.BookID,
			Title:          bk.Title,
			Quantity:       item.Quantity,
			UnitPriceCents: bk.PriceCents,
			LineTotalCents: line.Total(),
			Available:      bk.Stock >= item.Quantity,
		})
	}
	cart.Totals = computeTotals(lines, settings)
	return cart, nil
}

// SetCartItem sets the quantity of a book in the cart of accountID
func (b *Backend) SetCartItem(ctx context.Context, accountID, bookID uuid.UUID, quantity int) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var stock int
	err = tx.QueryRowContext(ctx, `SELECT stock FROM `+b.db.Table("book")+` WHERE book_id=$1;`, bookID).Scan(&stock)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if quantity > stock {
		return ErrInsufficientStock
	}

	items, _, err := b.cartItems(ctx, tx, accountID, true)
	if err != nil {
		return err
	}
	found := false
	for i := range items {
		if items[i].BookID == bookID {
			items[i].Quantity = quantity
			found = true
		}
	}
	if !found {
		items = append(items, CartItem{BookID: bookID, Quantity: quantity})
	}
	if err = b.writeCartItems(ctx, tx, accountID, items); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveCartItem removes a book from the cart of accountID. Removing a book which is not in the cart is not an error
func (b *Backend) RemoveCartItem(ctx context.Context, accountID, bookID uuid.UUID) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	items, _, err := b.cartItems(ctx, tx, accountID, true)
	if err != nil {
		return err
	}
	remaining := []CartItem{}
	for _, item := range items {
		if item.BookID != bookID {
			remaining = append(remaining, item)
		}
	}
	if len(remaining) == len(items) {
		return nil
	}
	if err = b.writeCartItems(ctx, tx, accountID, remaining); err != nil {
		return err
	}
	return tx.Commit()
}

// ClearCart empties the cart of accountID
func (b *Backend) ClearCart(ctx context.Context, accountID uuid.UUID) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM `+b.db.Table("cart")+` WHERE account_id=$1;`, accountID)
	return err
}

func (b *Backend) handleCart(router *mux.Router) {
	logger.Default().Debugln("account/cart")
	logger.Default().Debugln("  handle singleton route: /cart GET,DELETE")
	logger.Default().Debugln("  handle singleton route: /accounts/{account_id}/cart GET,DELETE")
	logger.Default().Debugln("  handle item route: /cart/items/{book_id} PUT,DELETE")
	logger.Default().Debugln("  handle item route: /accounts/{account_id}/cart/items/{book_id} PUT,DELETE")

	// cartRequest resolves and authorizes the addressed cart
	cartRequest := func(w http.ResponseWriter, r *http.Request, operation core.Operation) (uuid.UUID, bool) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		accountID, err := accountIDFromRequest(r)
		if err == errNoAccount {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return accountID, false
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return accountID, false
		}
		params := map[string]string{"account_id": accountID.String()}
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "account/cart", operation, params) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return accountID, false
		}
		return accountID, true
	}

	writeCart := func(w http.ResponseWriter, r *http.Request, accountID uuid.UUID) {
		cart, err := b.ReadCart(r.Context(), accountID)
		if err != nil {
			writeError(w, r, "4401", err)
			return
		}
		jsonData, _ := json.Marshal(cart)
		writeJSONWithEtag(w, r, bytesToEtag(jsonData), jsonData)
	}

	for _, prefix := range []string{"", "/accounts/{account_id}"} {

		router.HandleFunc(prefix+"/cart", func(w http.ResponseWriter, r *http.Request) {
			accountID, ok := cartRequest(w, r, core.OperationRead)
			if !ok {
				return
			}
			writeCart(w, r, accountID)
		}).Methods(http.MethodOptions, http.MethodGet)

		router.HandleFunc(prefix+"/cart", func(w http.ResponseWriter, r *http.Request) {
			accountID, ok := cartRequest(w, r, core.OperationClear)
			if !ok {
				return
			}
			if err := b.ClearCart(r.Context(), accountID); err != nil {
				writeError(w, r, "4402", err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}).Methods(http.MethodDelete)

		router.HandleFunc(prefix+"/cart/items/{book_id}", func(w http.ResponseWriter, r *http.Request) {
			accountID, ok := cartRequest(w, r, core.OperationUpdate)
			if !ok {
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
			if err = b.validator.ValidateBytes(body, schema.CartItemID); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			var in struct {
				Quantity int `json:"quantity"`
			}
			if err = json.Unmarshal(body, &in); err != nil {
				http.Error(w, "invalid cart item: "+err.Error(), http.StatusBadRequest)
				return
			}
			if err = b.SetCartItem(r.Context(), accountID, bookID, in.Quantity); err != nil {
				writeError(w, r, "4403", err)
				return
			}
			writeCart(w, r, accountID)
		}).Methods(http.MethodOptions, http.MethodPut)

		router.HandleFunc(prefix+"/cart/items/{book_id}", func(w http.ResponseWriter, r *http.Request) {
			accountID, ok := cartRequest(w, r, core.OperationUpdate)
			if !ok {
				return
			}
			bookID, err := pathID(r, "book_id")
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if err = b.RemoveCartItem(r.Context(), accountID, bookID); err != nil {
				writeError(w, r, "4404", err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}).Methods(http.MethodDelete)
	}
}
