package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/bookstore/core"
	"github.com/relabs-tech/bookstore/core/access"
	"github.com/relabs-tech/bookstore/core/logger"
	"github.com/relabs-tech/bookstore/core/metrics"
	"github.com/relabs-tech/bookstore/core/schema"
)

// The states of an order
const (
	OrderPending   = "pending"
	OrderPaid      = "paid"
	OrderShipped   = "shipped"
	OrderDelivered = "delivered"
	OrderCancelled = "cancelled"
)

// orderTransitions lists for every status the statuses it may change to
var orderTransitions = map[string][]string{
	OrderPending: {OrderPaid, OrderCancelled},
	OrderPaid:    {OrderShipped, OrderCancelled},
	OrderShipped: {OrderDelivered},
}

// CanTransition returns true if an order may change from status from to status to
func CanTransition(from, to string) bool {
	return contains(orderTransitions[from], to)
}

// Address is a shipping address
type Address struct {
	Name       string `json:"name"`
	Street     string `json:"street"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// OrderItem is a snapshot of a book at checkout time
type OrderItem struct {
	BookID         uuid.UUID `json:"book_id"`
	Title          string    `json:"title"`
	ISBN           string    `json:"isbn"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	Quantity       int       `json:"quantity"`
	LineTotalCents int64     `json:"line_total_cents"`
}

// Order is a placed order. Items and totals never change after checkout
type Order struct {
	OrderID   uuid.UUID   `json:"order_id"`
	AccountID uuid.UUID   `json:"account_id"`
	Status    string      `json:"status"`
	Items     []OrderItem `json:"items"`
	Totals
	ShippingAddress Address   `json:"shipping_address"`
	PaymentMethod   string    `json:"payment_method"`
	Note            string    `json:"note,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CheckoutRequest is the body of a checkout
type CheckoutRequest struct {
	ShippingAddress Address `json:"shipping_address"`
	PaymentMethod   string  `json:"payment_method"`
	Note            string  `json:"note"`
}

// InsufficientStockError lists the books of a checkout which are missing or not in stock
type InsufficientStockError struct {
	BookIDs []uuid.UUID
}

func (e *InsufficientStockError) Error() string {
	ids := make([]string, len(e.BookIDs))
	for i, id := range e.BookIDs {
		ids[i] = id.String()
	}
	return fmt.Sprintf("%s: %s", ErrInsufficientStock, strings.Join(ids, ","))
}

// Unwrap makes errors.Is match ErrInsufficientStock
func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

const orderColumns = `order_id, account_id, status, items, totals, shipping_address, payment_method, note, timestamp, updated_at`

func scanOrder(row scanner) (Order, error) {
	var (
		o                       Order
		items, totals, shipping []byte
	)
	err := row.Scan(&o.OrderID, &o.AccountID, &o.Status, &items, &totals, &shipping, &o.PaymentMethod, &o.Note,
		&o.Timestamp, &o.UpdatedAt)
	if err != nil {
		return o, err
	}
	if err = json.Unmarshal(items, &o.Items); err != nil {
		return o, err
	}
	if err = json.Unmarshal(totals, &o.Totals); err != nil {
		return o, err
	}
	if err = json.Unmarshal(shipping, &o.ShippingAddress); err != nil {
		return o, err
	}
	return o, nil
}

// ReadOrder reads a single order
func (b *Backend) ReadOrder(ctx context.Context, orderID uuid.UUID) (Order, error) {
	o, err := scanOrder(b.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM `+b.db.Table("order")+
		` WHERE order_id=$1;`, orderID))
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

// Checkout turns the cart of accountID into a pending order. It reserves the stock of all
// books, snapshots their prices and clears the cart in a single transaction, together with
// the notification about the new order.
func (b *Backend) Checkout(ctx context.Context, accountID uuid.UUID, request CheckoutRequest) (Order, error) {
	settings, err := b.Settings(ctx)
	if err != nil {
		return Order{}, err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, err
	}
	defer tx.Rollback()

	items, _, err := b.cartItems(ctx, tx, accountID, true)
	if err != nil {
		return Order{}, err
	}
	if len(items) == 0 {
		return Order{}, ErrEmptyCart
	}
	books, err := b.cartBooks(ctx, tx, items, true)
	if err != nil {
		return Order{}, err
	}

	stockErr := &InsufficientStockError{}
	for _, item := range items {
		if bk, ok := books[item.BookID]; !ok || bk.Stock < item.Quantity {
			stockErr.BookIDs = append(stockErr.BookIDs, item.BookID)
		}
	}
	if len(stockErr.BookIDs) > 0 {
		return Order{}, stockErr
	}

	now := time.Now().UTC()
	order := Order{
		OrderID:         uuid.New(),
		AccountID:       accountID,
		Status:          OrderPending,
		ShippingAddress: request.ShippingAddress,
		PaymentMethod:   request.PaymentMethod,
		Note:            request.Note,
		Timestamp:       now,
		UpdatedAt:       now,
	}
	lines := make([]Line, 0, len(items))
	for _, item := range items {
		bk := books[item.BookID]
		line := Line{Quantity: item.Quantity, UnitPriceCents: bk.PriceCents}
		lines = append(lines, line)
		order.Items = append(order.Items, OrderItem{
			BookID:         item.BookID,
			Title:          bk.Title,
			ISBN:           bk.ISBN,
			UnitPriceCents: bk.PriceCents,
			Quantity:       item.Quantity,
			LineTotalCents: line.Total(),
		})
	}
	order.Totals = computeTotals(lines, settings)

	if err = b.adjustStock(ctx, tx, order.Items, -1); err != nil {
		return Order{}, err
	}

	itemsData, _ := json.Marshal(order.Items)
	totalsData, _ := json.Marshal(order.Totals)
	shippingData, _ := json.Marshal(order.ShippingAddress)
	_, err = tx.ExecContext(ctx, `INSERT INTO `+b.db.Table("order")+`
(order_id, account_id, status, items, totals, total_cents, shipping_address, payment_method, note, timestamp, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11);`,
		order.OrderID, order.AccountID, order.Status, string(itemsData), string(totalsData), order.TotalCents,
		string(shippingData), order.PaymentMethod, order.Note, order.Timestamp, order.UpdatedAt)
	if err != nil {
		return Order{}, fmt.Errorf("cannot insert order: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM `+b.db.Table("cart")+` WHERE account_id=$1;`, accountID); err != nil {
		return Order{}, fmt.Errorf("cannot clear cart: %w", err)
	}
	payload, _ := json.Marshal(order)
	if err = b.outbox.Insert(ctx, tx, "order", core.OperationCreate, order.OrderID, payload); err != nil {
		return Order{}, err
	}
	if err = tx.Commit(); err != nil {
		return Order{}, err
	}
	b.triggerNotifications()
	return order, nil
}

// adjustStock changes the stock of the books of items by sign*quantity, in the order of the
// book ids. Books deleted in the meantime are skipped
func (b *Backend) adjustStock(ctx context.Context, tx *sql.Tx, items []OrderItem, sign int) error {
	sorted := make([]OrderItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].BookID.String() < sorted[j].BookID.String()
	})
	for _, item := range sorted {
		_, err := tx.ExecContext(ctx, `UPDATE `+b.db.Table("book")+` SET stock=stock+$2 WHERE book_id=$1;`,
			item.BookID, sign*item.Quantity)
		if err != nil {
			return fmt.Errorf("cannot adjust stock of book %s: %w", item.BookID, err)
		}
	}
	return nil
}

// UpdateOrderStatus changes the status of an order, if the transition is allowed. If from is not
// empty, the order must currently be in one of these states. Cancelling an order restores the stock.
func (b *Backend) UpdateOrderStatus(ctx context.Context, orderID uuid.UUID, to string, from ...string) (Order, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, err
	}
	defer tx.Rollback()

	order, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM `+b.db.Table("order")+
		` WHERE order_id=$1 FOR UPDATE;`, orderID))
	if err == sql.ErrNoRows {
		return order, ErrNotFound
	}
	if err != nil {
		return order, err
	}
	previous := order.Status
	if (len(from) > 0 && !contains(from, previous)) || !CanTransition(previous, to) {
		return order, fmt.Errorf("%w: %s to %s", ErrIllegalTransition, previous, to)
	}
	if to == OrderCancelled {
		if err = b.adjustStock(ctx, tx, order.Items, 1); err != nil {
			return order, err
		}
	}
	order.Status = to
	order.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `UPDATE `+b.db.Table("order")+` SET status=$2, updated_at=$3 WHERE order_id=$1;`,
		order.OrderID, order.Status, order.UpdatedAt)
	if err != nil {
		return order, err
	}
	payload, _ := json.Marshal(order)
	if err = b.outbox.Insert(ctx, tx, "order", core.OperationUpdate, order.OrderID, payload); err != nil {
		return order, err
	}
	if err = tx.Commit(); err != nil {
		return order, err
	}
	metrics.RecordOrderTransition(previous, to)
	b.triggerNotifications()
	return order, nil
}

func (b *Backend) handleOrders(router *mux.Router) {
	logger.Default().Debugln("order")
	logger.Default().Debugln("  handle collection route: /orders GET,POST")
	logger.Default().Debugln("  handle collection route: /accounts/{account_id}/orders GET")
	logger.Default().Debugln("  handle item route: /orders/{order_id} GET")
	logger.Default().Debugln("  handle item route: /orders/{order_id}/status PATCH")
	logger.Default().Debugln("  handle item route: /orders/{order_id}/cancel POST")

	router.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		auth := access.AuthorizationFromContext(r.Context())
		if b.isAuthorized(auth, "order", core.OperationList, nil) {
			b.listOrders(w, r, nil)
			return
		}
		accountID, ok := accountIDFromAuthorization(auth)
		params := map[string]string{"account_id": accountID.String()}
		if !ok || !b.isAuthorized(auth, "account/order", core.OperationList, params) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		b.listOrders(w, r, &accountID)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/accounts/{account_id}/orders", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		accountID, err := pathID(r, "account_id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params := map[string]string{"account_id": accountID.String()}
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "account/order", core.OperationList, params) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		b.listOrders(w, r, &accountID)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		auth := access.AuthorizationFromContext(r.Context())
		accountID, ok := accountIDFromAuthorization(auth)
		params := map[string]string{"account_id": accountID.String()}
		if !ok || !b.isAuthorized(auth, "account/order", core.OperationCreate, params) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		if err = b.validator.ValidateBytes(body, schema.CheckoutID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var request CheckoutRequest
		if err = json.Unmarshal(body, &request); err != nil {
			http.Error(w, "invalid checkout: "+err.Error(), http.StatusBadRequest)
			return
		}
		order, err := b.Checkout(r.Context(), accountID, request)
		if err != nil {
			if errors.Is(err, ErrEmptyCart) || errors.Is(err, ErrInsufficientStock) {
				metrics.RecordCheckout("conflict")
			} else {
				metrics.RecordCheckout("error")
			}
			writeError(w, r, "4501", err)
			return
		}
		metrics.RecordCheckout("created")
		logger.FromContext(r.Context()).Infof("order %s placed, total %d %s", order.OrderID, order.TotalCents, order.Currency)
		writeJSON(w, http.StatusCreated, order)
	}).Methods(http.MethodPost)

	router.HandleFunc("/orders/{order_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		order, ok := b.orderFromPath(w, r, core.OperationRead)
		if !ok {
			return
		}
		jsonData, _ := json.Marshal(order)
		writeJSONWithEtag(w, r, bytesToEtag(jsonData), jsonData)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/orders/{order_id}/status", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "order", core.OperationUpdate, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		orderID, err := pathID(r, "order_id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		if err = b.validator.ValidateBytes(body, schema.OrderStatusID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var in struct {
			Status string `json:"status"`
		}
		if err = json.Unmarshal(body, &in); err != nil {
			http.Error(w, "invalid status: "+err.Error(), http.StatusBadRequest)
			return
		}
		order, err := b.UpdateOrderStatus(r.Context(), orderID, in.Status)
		if err != nil {
			writeError(w, r, "4502", err)
			return
		}
		logger.FromContext(r.Context()).Infof("order %s is %s", order.OrderID, order.Status)
		writeJSON(w, http.StatusOK, order)
	}).Methods(http.MethodOptions, http.MethodPatch)

	router.HandleFunc("/orders/{order_id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		order, ok := b.orderFromPath(w, r, core.OperationUpdate)
		if !ok {
			return
		}
		order, err := b.UpdateOrderStatus(r.Context(), order.OrderID, OrderCancelled, OrderPending)
		if err != nil {
			writeError(w, r, "4503", err)
			return
		}
		logger.FromContext(r.Context()).Infof("order %s cancelled by customer", order.OrderID)
		writeJSON(w, http.StatusOK, order)
	}).Methods(http.MethodOptions, http.MethodPost)
}

// orderFromPath reads the order of the request and authorizes operation either for all orders
// or, through the account selector, for the owner of the order
func (b *Backend) orderFromPath(w http.ResponseWriter, r *http.Request, operation core.Operation) (Order, bool) {
	orderID, err := pathID(r, "order_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return Order{}, false
	}
	auth := access.AuthorizationFromContext(r.Context())
	if auth == nil {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return Order{}, false
	}
	order, err := b.ReadOrder(r.Context(), orderID)
	if err != nil {
		writeError(w, r, "4504", err)
		return order, false
	}
	params := map[string]string{"account_id": order.AccountID.String()}
	if !b.isAuthorized(auth, "order", operation, nil) && !b.isAuthorized(auth, "account/order", operation, params) {
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return order, false
	}
	return order, true
}

// listOrders lists orders, restricted to accountID if not nil. Only unrestricted lists may filter by account
func (b *Backend) listOrders(w http.ResponseWriter, r *http.Request, accountID *uuid.UUID) {
	allowed := []string{"status"}
	if accountID == nil {
		allowed = append(allowed, "account_id")
	}
	p, err := parseListParams(r, allowed...)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := sqlQuery{}
	if accountID != nil {
		q.add("account_id=%s", *accountID)
	} else if value, ok := p.filters["account_id"]; ok {
		id, err := uuid.Parse(value)
		if err != nil {
			http.Error(w, "parameter 'account_id': invalid uuid", http.StatusBadRequest)
			return
		}
		q.add("account_id=%s", id)
	}
	if status, ok := p.filters["status"]; ok {
		q.add("status=%s", status)
	}
	var totalCount int
	err = b.db.QueryRowContext(r.Context(), `SELECT count(*) FROM `+b.db.Table("order")+q.whereClause()+`;`,
		q.args...).Scan(&totalCount)
	if err != nil {
		writeError(w, r, "4505", err)
		return
	}
	clause := p.pageClause(&q, "timestamp", "timestamp", "order_id")
	rows, err := b.db.QueryContext(r.Context(), `SELECT `+orderColumns+` FROM `+b.db.Table("order")+
		q.whereClause()+clause+`;`, q.args...)
	if err != nil {
		writeError(w, r, "4506", err)
		return
	}
	defer rows.Close()
	orders := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			writeError(w, r, "4507", err)
			return
		}
		orders = append(orders, o)
	}
	if err = rows.Err(); err != nil {
		writeError(w, r, "4508", err)
		return
	}
	var next *PaginationCursor
	if len(orders) > p.limit {
		orders = orders[:p.limit]
		last := orders[len(orders)-1]
		next = &PaginationCursor{Timestamp: last.Timestamp, ID: last.OrderID}
	}
	writePaginationHeaders(w, p, totalCount, next)
	jsonData, _ := json.Marshal(orders)
	writeJSONWithEtag(w, r, bytesPlusTotalCountToEtag(jsonData, totalCount), jsonData)
}
