package access

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/relabs-tech/bookstore/core"
)

func TestAuthorization_Admin(t *testing.T) {

	auth := &Authorization{
		Roles: []string{"admin"},
	}
	resources := []string{"book", "review"}

	if !auth.IsAuthorized(resources, core.OperationCreate, nil, nil) {
		t.Fatal("admin not authorized")
	}

	// once admin is listed explicitly, only the listed operations are granted
	permits := []Permit{{Role: "admin", Operations: []core.Operation{core.OperationRead}}}
	if auth.IsAuthorized(resources, core.OperationDelete, nil, permits) {
		t.Fatal("admin should not delete")
	}
	if !auth.IsAuthorized(resources, core.OperationRead, nil, permits) {
		t.Fatal("admin not authorized for read")
	}
}

func TestAuthorization_Public(t *testing.T) {

	auth := &Authorization{
		Roles: []string{"customer"},
	}
	resources := []string{"book"}
	permits := []Permit{{
		Role:       "public",
		Operations: []core.Operation{core.OperationRead, core.OperationList},
	}}

	if auth.IsAuthorized(resources, core.OperationCreate, nil, permits) {
		t.Fatal("public should not create")
	}
	if !auth.IsAuthorized(resources, core.OperationRead, nil, permits) {
		t.Fatal("public not authorized for read")
	}

	// now try without any authorization, this should also work
	auth = nil
	if auth.IsAuthorized(resources, core.OperationCreate, nil, permits) {
		t.Fatal("public should not create")
	}
	if !auth.IsAuthorized(resources, core.OperationList, nil, permits) {
		t.Fatal("public not authorized for list")
	}
}

func TestAuthorization_Everybody(t *testing.T) {

	auth := &Authorization{
		Roles: []string{"someone"},
	}
	resources := []string{"settings"}
	permits := []Permit{{
		Role:       "everybody",
		Operations: []core.Operation{core.OperationRead},
	}}

	if auth.IsAuthorized(resources, core.OperationCreate, nil, permits) {
		t.Fatal("everybody should not create")
	}
	if !auth.IsAuthorized(resources, core.OperationRead, nil, permits) {
		t.Fatal("everybody not authorized for read")
	}

	// now try without any authorization, this should not work
	auth = nil
	if auth.IsAuthorized(resources, core.OperationRead, nil, permits) {
		t.Fatal("unauthenticated request should not be authorized for read")
	}
}

func TestAuthorization_Selector(t *testing.T) {

	accountID := uuid.New()

	auth := &Authorization{
		Roles: []string{"customer"},
		Selectors: map[string]string{
			"account_id": accountID.String(),
		},
	}

	resources := []string{"account", "cart"}
	permits := []Permit{{
		Role:       "customer",
		Operations: []core.Operation{core.OperationRead},
		Selectors:  []string{"account"},
	}}

	params := map[string]string{
		"account_id": accountID.String(),
	}

	if auth.IsAuthorized(resources, core.OperationUpdate, params, permits) {
		t.Fatal("customer should not update")
	}
	if !auth.IsAuthorized(resources, core.OperationRead, params, permits) {
		t.Fatal("customer not authorized for read")
	}

	// now try with another account, this should fail
	params = map[string]string{
		"account_id": uuid.New().String(),
	}
	if auth.IsAuthorized(resources, core.OperationRead, params, permits) {
		t.Fatal("this customer should not be authorized for read")
	}

	// a customer without account selector must fail as well
	auth = &Authorization{Roles: []string{"customer"}}
	if auth.IsAuthorized(resources, core.OperationRead, map[string]string{"account_id": accountID.String()}, permits) {
		t.Fatal("customer without selector should not be authorized")
	}
}

func TestAuthorization_SelectorOutsideResourcePath(t *testing.T) {
	accountID := uuid.New().String()
	auth := &Authorization{
		Roles:     []string{"customer"},
		Selectors: map[string]string{"account_id": accountID},
	}
	permits := []Permit{{
		Role:       "customer",
		Operations: []core.Operation{core.OperationDelete},
		Selectors:  []string{"account"},
	}}
	// the review path does not contain the account, so the selector cannot match
	assert.False(t, auth.IsAuthorized([]string{"book", "review"}, core.OperationDelete,
		map[string]string{"account_id": accountID}, permits))
	assert.True(t, auth.IsAuthorized([]string{"book", "review", "account"}, core.OperationDelete,
		map[string]string{"account_id": accountID}, permits))
}

func TestAuthorization_NilAccessors(t *testing.T) {
	var auth *Authorization
	assert.False(t, auth.HasRole("admin"))
	_, ok := auth.Selector("account_id")
	assert.False(t, ok)
	_, ok = auth.Property("email")
	assert.False(t, ok)
}

func TestAuthorizationRoute(t *testing.T) {
	router := mux.NewRouter()
	router.Use(NewBackdoorMiddleware("please", Authorization{Roles: []string{"admin"}}))
	HandleAuthorizationRoute(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/authorization", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/authorization", nil)
	req.Header.Set("Authorization", "Bearer please")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"admin"`)

	req = httptest.NewRequest(http.MethodGet, "/authorization", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "please"})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/authorization", nil)
	req.Header.Set("Authorization", "Bearer pleas")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
