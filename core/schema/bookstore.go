package schema

import "embed"

//go:embed schemas
var bookstoreSchemas embed.FS

// The schema IDs of the request bodies of the bookstore API
const (
	BookID          = "https://bookstore.relabs.tech/schemas/book.json"
	RegistrationID  = "https://bookstore.relabs.tech/schemas/registration.json"
	LoginID         = "https://bookstore.relabs.tech/schemas/login.json"
	AccountUpdateID = "https://bookstore.relabs.tech/schemas/account_update.json"
	RolesID         = "https://bookstore.relabs.tech/schemas/roles.json"
	CartItemID      = "https://bookstore.relabs.tech/schemas/cart_item.json"
	CheckoutID      = "https://bookstore.relabs.tech/schemas/checkout.json"
	OrderStatusID   = "https://bookstore.relabs.tech/schemas/order_status.json"
	ReviewID        = "https://bookstore.relabs.tech/schemas/review.json"
	SettingsID      = "https://bookstore.relabs.tech/schemas/settings.json"
)

// NewBookstoreValidator returns a validator for all embedded bookstore schemas
func NewBookstoreValidator() (*Validator, error) {
	return NewValidatorFromFS(bookstoreSchemas, "schemas")
}
