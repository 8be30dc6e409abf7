package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatorWithRefs(t *testing.T) {
	refs := []string{`{
		"$id": "https://example.com/schemas/refs/short_string.json",
		"type": "string",
		"maxLength": 5
	}`}
	schemas := []string{`{
		"$id": "https://example.com/schemas/thing.json",
		"type": "object",
		"properties": {
			"name": {"$ref": "https://example.com/schemas/refs/short_string.json"}
		}
	}`}

	v, err := NewValidator(schemas, refs)
	require.NoError(t, err)
	assert.True(t, v.HasSchema("https://example.com/schemas/thing.json"))
	assert.False(t, v.HasSchema("https://example.com/schemas/refs/short_string.json"))

	assert.NoError(t, v.ValidateString(`{"name":"abc"}`, "https://example.com/schemas/thing.json"))
	assert.Error(t, v.ValidateString(`{"name":"abcdef"}`, "https://example.com/schemas/thing.json"))
	assert.NoError(t, v.ValidateStruct(map[string]interface{}{"name": "abc"}, "https://example.com/schemas/thing.json"))
	assert.Error(t, v.ValidateString(`{}`, "https://example.com/schemas/unknown.json"))
}

func TestValidatorWithoutID(t *testing.T) {
	_, err := NewValidator([]string{`{"type":"object"}`}, nil)
	assert.Error(t, err)

	_, err = NewValidator([]string{`not json`}, nil)
	assert.Error(t, err)
}

func TestBookstoreValidator(t *testing.T) {
	v, err := NewBookstoreValidator()
	require.NoError(t, err)

	for _, id := range []string{BookID, RegistrationID, LoginID, AccountUpdateID, RolesID,
		CartItemID, CheckoutID, OrderStatusID, ReviewID, SettingsID} {
		assert.True(t, v.HasSchema(id), id)
	}

	tests := []struct {
		name   string
		schema string
		body   string
		valid  bool
	}{
		{"book", BookID, `{"title":"Dune","author":"Frank Herbert","isbn":"9780441013593","price_cents":1299}`, true},
		{"book with isbn10", BookID, `{"title":"Dune","author":"Frank Herbert","isbn":"044101359X","price_cents":1299,"stock":4}`, true},
		{"book bad isbn", BookID, `{"title":"Dune","author":"Frank Herbert","isbn":"978-0441","price_cents":1299}`, false},
		{"book negative price", BookID, `{"title":"Dune","author":"Frank Herbert","isbn":"9780441013593","price_cents":-1}`, false},
		{"book fractional price", BookID, `{"title":"Dune","author":"Frank Herbert","isbn":"9780441013593","price_cents":12.5}`, false},
		{"book without title", BookID, `{"author":"Frank Herbert","isbn":"9780441013593","price_cents":1299}`, false},
		{"registration", RegistrationID, `{"email":"reader@example.com","name":"Reader","password":"12345678"}`, true},
		{"registration bad email", RegistrationID, `{"email":"reader","name":"Reader","password":"12345678"}`, false},
		{"registration short password", RegistrationID, `{"email":"reader@example.com","name":"Reader","password":"1234"}`, false},
		{"registration with roles", RegistrationID, `{"email":"reader@example.com","name":"Reader","password":"12345678","roles":["admin"]}`, false},
		{"cart item", CartItemID, `{"quantity":3}`, true},
		{"cart item zero", CartItemID, `{"quantity":0}`, false},
		{"cart item too many", CartItemID, `{"quantity":100}`, false},
		{"checkout", CheckoutID, `{"payment_method":"card","shipping_address":{"name":"A","street":"B 1","city":"C","postal_code":"123","country":"DE"}}`, true},
		{"checkout bad country", CheckoutID, `{"payment_method":"card","shipping_address":{"name":"A","street":"B 1","city":"C","postal_code":"123","country":"Germany"}}`, false},
		{"checkout bad payment", CheckoutID, `{"payment_method":"cash","shipping_address":{"name":"A","street":"B 1","city":"C","postal_code":"123","country":"DE"}}`, false},
		{"review", ReviewID, `{"rating":5,"text":"great"}`, true},
		{"review out of range", ReviewID, `{"rating":6}`, false},
		{"settings", SettingsID, `{"tax_rate_basis_points":1900,"shipping_fee_cents":499,"free_shipping_threshold_cents":5000,"currency":"EUR"}`, true},
		{"settings lower case currency", SettingsID, `{"tax_rate_basis_points":1900,"shipping_fee_cents":499,"free_shipping_threshold_cents":5000,"currency":"eur"}`, false},
		{"order status", OrderStatusID, `{"status":"shipped"}`, true},
		{"order status unknown", OrderStatusID, `{"status":"lost"}`, false},
		{"roles", RolesID, `{"roles":["admin","customer"]}`, true},
		{"roles duplicate", RolesID, `{"roles":["admin","admin"]}`, false},
		{"roles unknown", RolesID, `{"roles":["root"]}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateBytes([]byte(tt.body), tt.schema)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidationError(t *testing.T) {
	v, err := NewBookstoreValidator()
	require.NoError(t, err)

	err = v.ValidateBytes([]byte(`{"rating":0,"text":7}`), ReviewID)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, ReviewID, verr.SchemaID)
	assert.Len(t, verr.Problems, 2)

	err = v.ValidateBytes([]byte(`{"rating":`), ReviewID)
	assert.True(t, errors.As(err, &verr))
}
