//go:build integration

package test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/bookstore/core/backend"
	"github.com/relabs-tech/bookstore/core/client"
)

type CheckoutTestSuite struct {
	IntegrationTestSuite
}

func TestCheckoutTestSuite(t *testing.T) {
	suite.Run(t, &CheckoutTestSuite{})
}

var checkout = map[string]interface{}{
	"shipping_address": map[string]string{
		"name": "Grace Hopper", "street": "1 Navy Way", "city": "Arlington", "postal_code": "22202", "country": "US",
	},
	"payment_method": "invoice",
}

func (s *CheckoutTestSuite) TestCheckoutAndCancel() {
	_, err := s.admin.RawPut("/settings", map[string]interface{}{
		"tax_rate_basis_points": 1000, "shipping_fee_cents": 500, "free_shipping_threshold_cents": 0, "currency": "USD",
	}, nil)
	s.Require().NoError(err)

	bk := s.createBook("Compilers", 2000, 3)
	customer, account := s.registerCustomer("grace")

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{s.kafkaAddr},
		Topic:       notificationTopic,
		GroupID:     "checkout-" + account.AccountID.String(),
		StartOffset: kafka.FirstOffset,
		MaxWait:     500 * time.Millisecond,
	})
	defer reader.Close()

	var cart backend.Cart
	_, err = customer.RawPut("/cart/items/"+bk.BookID.String(), map[string]int{"quantity": 2}, &cart)
	s.Require().NoError(err)
	s.Equal(int64(4000+400+500), cart.TotalCents)

	// more than in stock is refused
	status, _ := customer.RawPut("/cart/items/"+bk.BookID.String(), map[string]int{"quantity": 4}, nil)
	s.Equal(http.StatusConflict, status)

	var order backend.Order
	status, err = customer.RawPost("/orders", checkout, &order)
	s.Require().NoError(err)
	s.Equal(http.StatusCreated, status)
	s.Equal(backend.OrderPending, order.Status)
	s.Equal(int64(4900), order.TotalCents)
	s.Equal("USD", order.Currency)

	var stocked backend.Book
	_, err = s.client().RawGet("/books/"+bk.BookID.String(), &stocked)
	s.Require().NoError(err)
	s.Equal(1, stocked.Stock)

	_, err = customer.RawGet("/cart", &cart)
	s.Require().NoError(err)
	s.Empty(cart.Items)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// earlier tests may have published before, skip to the event of this order
	var message kafka.Message
	for string(message.Key) != order.OrderID.String() {
		message, err = reader.ReadMessage(ctx)
		s.Require().NoError(err)
	}
	s.Equal("create", headerValue(message, "operation"))
	var published backend.Order
	s.Require().NoError(json.Unmarshal(message.Value, &published))
	s.Equal(order.OrderID, published.OrderID)

	_, err = customer.RawPost("/orders/"+order.OrderID.String()+"/cancel", nil, &order)
	s.Require().NoError(err)
	s.Equal(backend.OrderCancelled, order.Status)

	_, err = s.client().RawGet("/books/"+bk.BookID.String(), &stocked)
	s.Require().NoError(err)
	s.Equal(3, stocked.Stock)

	// a cancelled order stays cancelled
	status, _ = s.admin.RawPatch("/orders/"+order.OrderID.String()+"/status", map[string]string{"status": "paid"}, nil)
	s.Equal(http.StatusConflict, status)
}

// TestNoOverselling races customers for the last copies of a book
func (s *CheckoutTestSuite) TestNoOverselling() {
	const customers = 6
	bk := s.createBook("Last Copies", 1500, 2)

	clients := make([]client.Client, customers)
	for i := range clients {
		c, _ := s.registerCustomer("racer")
		_, err := c.RawPut("/cart/items/"+bk.BookID.String(), map[string]int{"quantity": 1}, nil)
		s.Require().NoError(err)
		clients[i] = c
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for _, c := range clients {
		wg.Add(1)
		go func(c client.Client) {
			defer wg.Done()
			status, _ := c.RawPost("/orders", checkout, nil)
			mu.Lock()
			statuses[status]++
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	s.Equal(2, statuses[http.StatusCreated])
	s.Equal(customers-2, statuses[http.StatusConflict])

	var stocked backend.Book
	_, err := s.client().RawGet("/books/"+bk.BookID.String(), &stocked)
	s.Require().NoError(err)
	s.Equal(0, stocked.Stock)
}

func (s *CheckoutTestSuite) TestStatistics() {
	var stats backend.Statistics
	_, err := s.admin.RawGet("/statistics", &stats)
	s.Require().NoError(err)
	s.GreaterOrEqual(stats.Accounts.Count, int64(1))

	customer, _ := s.registerCustomer("curious")
	status, _ := customer.RawGet("/statistics", nil)
	s.Equal(http.StatusUnauthorized, status)
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
