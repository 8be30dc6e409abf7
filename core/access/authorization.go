/*Package access provides utilities for access control

The bookstore uses role based access control. Each resource carries a static
permission table, a list of permits, each granting a set of operations to a
role. Requests carry an Authorization, derived from a bearer token by the
middleware in this package.
*/
package access

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/bookstore/core"
	"github.com/relabs-tech/bookstore/core/logger"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context keys
const (
	contextKeyAuthorization contextKey = "_authorization_"
	contextKeyIdentity      contextKey = "_identity_"
)

// The built-in roles
const (
	// RoleAdmin is authorized for everything, unless a resource lists it explicitly
	RoleAdmin = "admin"
	// RoleEditor maintains the catalog
	RoleEditor = "editor"
	// RoleCustomer is the role of every registered account
	RoleCustomer = "customer"
	// RolePublic is the implicit role of every request, authenticated or not
	RolePublic = "public"
	// RoleEverybody matches any authenticated request
	RoleEverybody = "everybody"
)

// AssignableRoles are the roles an administrator may grant to an account
var AssignableRoles = []string{RoleAdmin, RoleEditor, RoleCustomer}

/*Authorization is a context object which stores authorization information
for the account which made the request.

An authorization carries a list or roles and selectors, which are the
identifiers of the resources the authorization is bound to, for example
"account_id". It can also carry additional properties.

Authorizations are added to a request context with

	ctx = ContextWithAuthorization(ctx, auth)

and retrieved with

	auth := AuthorizationFromContext(ctx)
*/
type Authorization struct {
	Roles      []string          `json:"roles"`
	Selectors  map[string]string `json:"selectors,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Permit grants operations on a resource to a role. If selectors are given,
// the permit only applies to those resources whose identifiers match the
// selectors of the authorization. A permit with selector "account" on the
// resource "account/cart" lets an account access only its own cart.
type Permit struct {
	Role       string           `json:"role"`
	Operations []core.Operation `json:"operations"`
	Selectors  []string         `json:"selectors"`
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// Selector returns the value for the requested selector, e.g. "account_id"; if the
// selector does not exist, it returns an empty string and false.
func (a *Authorization) Selector(name string) (string, bool) {
	if a == nil || a.Selectors == nil {
		return "", false
	}
	value, ok := a.Selectors[name]
	return value, ok
}

// Property returns the value for the requested property; if the
// property does not exist, it returns an empty string and false.
func (a *Authorization) Property(name string) (string, bool) {
	if a == nil || a.Properties == nil {
		return "", false
	}
	value, ok := a.Properties[name]
	return value, ok
}

// IsAuthorized returns true if the authorization is authorized for the requested
// resource and operation according to the passed permits.
//
// Resources is the resource path split into its components, e.g. ["book","review"].
// Params are the identifiers from the request URL, e.g. "book_id".
//
// The "admin" role is always authorized by default, unless specified otherwise for a resource.
// If a permit is given to "everybody", then this permit applies to all authenticated roles. A
// permit given to "public" applies to every request, even without authorization.
func (a *Authorization) IsAuthorized(resources []string, operation core.Operation,
	params map[string]string, permits []Permit) bool {

	roles := []string{RolePublic}
	if a != nil {
		roles = append(roles, a.Roles...)
		roles = append(roles, RoleEverybody)
	}

	if a.HasRole(RoleAdmin) {
		adminListed := false
		for _, permit := range permits {
			if permit.Role == RoleAdmin {
				adminListed = true
				break
			}
		}
		if !adminListed {
			return true
		}
	}

	for _, permit := range permits {
		if !contains(roles, permit.Role) || !permit.grants(operation) {
			continue
		}
		if a.matchesSelectors(resources, permit.Selectors, params) {
			return true
		}
	}
	return false
}

func (p Permit) grants(operation core.Operation) bool {
	for _, o := range p.Operations {
		if o == operation {
			return true
		}
	}
	return false
}

// matchesSelectors returns true if every selector is part of the resource path and
// the request's identifier for it equals the authorization's.
func (a *Authorization) matchesSelectors(resources []string, selectors []string, params map[string]string) bool {
	for _, selector := range selectors {
		if !contains(resources, selector) {
			return false
		}
		id, ok := a.Selector(selector + "_id")
		if !ok {
			return false
		}
		param, ok := params[selector+"_id"]
		if !ok || param != id {
			return false
		}
	}
	return true
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// ContextWithAuthorization returns a new context with this authorization added to it
func ContextWithAuthorization(ctx context.Context, auth *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, auth)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// ContextWithIdentity returns a new context with the authenticated identity (the account email)
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext retrieves the authenticated identity from the context
func IdentityFromContext(ctx context.Context) string {
	identity, _ := ctx.Value(contextKeyIdentity).(string)
	return identity
}

// HandleAuthorizationRoute adds a route /authorization GET to the router
//
// The route returns the current authorization for provided bearer token.
func HandleAuthorizationRoute(router *mux.Router) {
	logger.Default().Debugln("authorization")
	logger.Default().Debugln("  handle route: /authorization GET")
	router.HandleFunc("/authorization", func(w http.ResponseWriter, r *http.Request) {
		auth := AuthorizationFromContext(r.Context())
		if auth == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		jsonData, _ := json.MarshalIndent(auth, "", " ")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(jsonData)
	}).Methods(http.MethodGet)
}
