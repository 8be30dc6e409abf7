package backend

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/bookstore/core"
	"github.com/relabs-tech/bookstore/core/access"
	"github.com/relabs-tech/bookstore/core/logger"
)

// Statistics is an overview of the store for administrators
type Statistics struct {
	Books struct {
		Count      int64 `json:"count"`
		TotalStock int64 `json:"total_stock"`
	} `json:"books"`
	Accounts struct {
		Count int64 `json:"count"`
	} `json:"accounts"`
	// Orders counts the orders per status
	Orders map[string]int64 `json:"orders"`
	// RevenueCents is the sum of the totals of all orders which are not cancelled
	RevenueCents int64 `json:"revenue_cents"`
}

// ReadStatistics computes the store statistics
func (b *Backend) ReadStatistics(ctx context.Context) (Statistics, error) {
	s := Statistics{Orders: map[string]int64{}}
	err := b.db.QueryRowContext(ctx, `SELECT count(*), COALESCE(sum(stock), 0) FROM `+b.db.Table("book")+`;`).
		Scan(&s.Books.Count, &s.Books.TotalStock)
	if err != nil {
		return s, err
	}
	err = b.db.QueryRowContext(ctx, `SELECT count(*) FROM `+b.db.Table("account")+`;`).Scan(&s.Accounts.Count)
	if err != nil {
		return s, err
	}
	rows, err := b.db.QueryContext(ctx, `SELECT status, count(*), COALESCE(sum(total_cents), 0) FROM `+
		b.db.Table("order")+` GROUP BY status ORDER BY status;`)
	if err != nil {
		return s, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status       string
			count, total int64
		)
		if err = rows.Scan(&status, &count, &total); err != nil {
			return s, err
		}
		s.Orders[status] = count
		if status != OrderCancelled {
			s.RevenueCents += total
		}
	}
	return s, rows.Err()
}

func (b *Backend) handleStatistics(router *mux.Router) {
	logger.Default().Debugln("statistics")
	logger.Default().Debugln("  handle statistics route: /statistics GET")
	router.HandleFunc("/statistics", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Infoln("called route for", r.URL, r.Method)
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "statistics", core.OperationRead, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		s, err := b.ReadStatistics(r.Context())
		if err != nil {
			writeError(w, r, "4701", err)
			return
		}
		jsonData, _ := json.Marshal(s)
		writeJSONWithEtag(w, r, bytesToEtag(jsonData), jsonData)
	}).Methods(http.MethodOptions, http.MethodGet)
}
