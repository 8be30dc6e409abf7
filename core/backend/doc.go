/*
Package backend implements the REST backend of the online bookstore

A backend manages a Postgres-SQL database and serves the catalog, the reviews, the shopping carts
and the orders of the store on a mux router.

Configuration

Access is configured with a JSON permission table. Every resource lists the roles which may perform
an operation on it. The default table is embedded as permits.json, a different one can be passed in
Builder.Config. A table which does not name every resource of the store is rejected.

Example:
  {
	"resources": [
	  {
		"resource": "book",
		"permits": [
		  { "role": "public", "operations": ["read", "list"] },
		  { "role": "editor", "operations": ["create", "update", "delete"] }
		]
	  },
	  {
		"resource": "account/cart",
		"permits": [
		  { "role": "customer", "operations": ["read", "update", "clear"], "selectors": ["account"] }
		]
	  }
	]
  }

The role "admin" may do everything. "public" covers anonymous requests, "everybody" covers all
authenticated ones. A permit with the "account" selector only applies to the account named in the
access token.

Accounts

  POST   /accounts/register
  POST   /accounts/login
  GET    /accounts/me
  PATCH  /accounts/me
  GET    /accounts
  GET    /accounts/{account_id}
  PATCH  /accounts/{account_id}
  DELETE /accounts/{account_id}
  PUT    /accounts/{account_id}/roles

Login returns a signed JWT which is passed as bearer token in the Authorization header. Logins are
rate limited per client address.

Catalog

  GET    /books
  POST   /books
  GET    /books/{book_id}
  PUT    /books/{book_id}
  PATCH  /books/{book_id}
  DELETE /books/{book_id}
  POST   /books/{book_id}/cover
  PUT    /books/{book_id}/cover
  GET    /books/{book_id}/cover
  DELETE /books/{book_id}/cover
  GET    /books/{book_id}/reviews
  POST   /books/{book_id}/reviews
  GET    /books/{book_id}/reviews/{review_id}
  DELETE /books/{book_id}/reviews/{review_id}

A book has static properties (isbn, title, author, category, price_cents, stock) and free-form
properties, which are merged into the same JSON object. Updates with a "revision" only succeed
when it matches the stored revision, otherwise they fail with 409 Conflict.

POST on a cover returns a pre-signed upload URL. PUT uploads the image through the backend, GET
redirects to a short lived download URL.

Lists are paginated with the query parameters "limit" and "page" or with "cursor". "order"
switches between newest and oldest first. The response carries the headers Pagination-Limit,
Pagination-Total-Count, Pagination-Page-Count, Pagination-Current-Page and Pagination-Next-Cursor.
Single books support Etag and If-None-Match.

Cart and orders

  GET    /cart
  DELETE /cart
  PUT    /cart/items/{book_id}
  DELETE /cart/items/{book_id}
  POST   /orders
  GET    /orders
  GET    /orders/{order_id}
  PATCH  /orders/{order_id}/status
  POST   /orders/{order_id}/cancel

Administrators reach the carts and orders of other accounts under /accounts/{account_id}.

Checkout turns the cart into an order in a single transaction. The stock of every book is reserved
with the order, a checkout which would oversell a book fails with 409 Conflict and leaves
everything unchanged. Cancelling a pending order puts the stock back.

Every order change writes a notification into an outbox in the same transaction. The outbox is
drained after the commit and the notifications are handed to the configured notify.Publisher.

Store

  GET    /settings
  PUT    /settings
  GET    /statistics
  GET    /version
  GET    /health
  GET    /metrics
*/
package backend
