/*
Package client calls the bookstore REST API.

A client created with NewWithRouter serves requests in-process with the mux router
and passes authorizations in the request context, which makes it the tool of choice
for unit tests. A client created with NewWithURL talks HTTP to a running server and
authenticates with a bearer token.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/bookstore/core"
	"github.com/relabs-tech/bookstore/core/access"
)

// Client is immutable, the With methods return modified copies
type Client struct {
	// exactly one of router and http is set
	router *mux.Router
	http   *http.Client
	base   string

	token   string
	auth    *access.Authorization
	ctx     context.Context
	headers map[string]string
}

// NewWithRouter returns a client which serves its requests with router
func NewWithRouter(router *mux.Router) Client {
	return Client{router: router}
}

// NewWithURL returns a client for the server at baseURL, e.g. "http://localhost:3000"
func NewWithURL(baseURL string) Client {
	return Client{base: baseURL, http: &http.Client{Timeout: 20 * time.Second}}
}

// WithHeader returns a client which sends header key with every request
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.headers {
		if k != key {
			headers[k] = v
		}
	}
	c.headers = headers
	return c
}

// WithToken returns a client which authenticates with token. Router clients ignore it, use one
// of the authorization methods instead.
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAdminAuthorization is WithRole(access.RoleAdmin)
func (c Client) WithAdminAuthorization() Client {
	return c.WithRole(access.RoleAdmin)
}

// WithRole returns a router client authorized with role but without account
func (c Client) WithRole(role string) Client {
	return c.WithAuthorization(&access.Authorization{Roles: []string{role}})
}

// WithAccount returns a router client authorized like a logged in account
func (c Client) WithAccount(accountID uuid.UUID, email string, roles ...string) Client {
	return c.WithAuthorization(&access.Authorization{
		Roles:      roles,
		Selectors:  map[string]string{"account_id": accountID.String()},
		Properties: map[string]string{"email": email},
	})
}

// WithAuthorization returns a router client which puts auth into the request context
func (c Client) WithAuthorization(auth *access.Authorization) Client {
	c.auth = auth
	return c
}

// WithContext returns a client which derives request contexts from ctx
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the context requests are made with
func (c Client) Context() context.Context {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if c.auth == nil {
		return ctx
	}
	return access.ContextWithAuthorization(ctx, c.auth)
}

// do executes the request and returns status, header and body of the response
func (c Client) do(method, path string, header map[string]string, body []byte) (int, http.Header, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(c.Context(), method, c.base+path, reader)
	if err != nil {
		return http.StatusBadRequest, nil, nil, err
	}
	for _, h := range []map[string]string{c.headers, header} {
		for key, value := range h {
			req.Header.Set(key, value)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, req)
		return rec.Code, rec.Header(), rec.Body.Bytes(), nil
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return http.StatusInternalServerError, nil, nil, err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	return res.StatusCode, res.Header, data, err
}

func marshal(method, path string, body interface{}) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.([]byte); ok {
		return raw, nil
	}
	j, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s to %s: %w", method, path, err)
	}
	return j, nil
}

func unmarshal(resBody []byte, result interface{}) error {
	if len(resBody) == 0 || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

// RawGet reads path, which may carry a query, into result. Any status but 200 and 204 is an error.
// The status is returned in any case.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, err := c.RawGetWithHeader(path, nil, result)
	return status, err
}

// RawGetWithHeader is RawGet with additional request headers. It also returns the
// response header. http.StatusNotModified is not an error.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	status, resHeader, resBody, err := c.do(http.MethodGet, path, header, nil)
	if err != nil {
		return status, resHeader, err
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return status, resHeader, nil
	}
	if status != http.StatusOK {
		return status, resHeader, statusError(http.MethodGet, path, status, resBody)
	}
	return status, resHeader, unmarshal(resBody, result)
}

// RawPost posts a resource to path. Expects http.StatusOK, http.StatusCreated or
// http.StatusNoContent as valid responses, otherwise it will flag an error.
//
// body is marshalled to JSON unless it is a []byte. result can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	return c.write(http.MethodPost, path, nil, body, result)
}

// RawPostWithHeader is RawPost with additional request headers
func (c Client) RawPostWithHeader(path string, header map[string]string, body interface{}, result interface{}) (int, error) {
	return c.write(http.MethodPost, path, header, body, result)
}

// RawPut puts a resource to path. Expects http.StatusOK, http.StatusCreated or
// http.StatusNoContent as valid responses, otherwise it will flag an error.
//
// In case of http.StatusConflict, result still receives the response body.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	return c.write(http.MethodPut, path, nil, body, result)
}

// RawPutBlob puts binary data to path, e.g. to a pre-signed upload URL
func (c Client) RawPutBlob(path string, header map[string]string, blob []byte, result interface{}) (int, error) {
	if header == nil {
		header = map[string]string{}
	}
	if _, ok := header["Content-Type"]; !ok {
		header["Content-Type"] = "application/octet-stream"
	}
	return c.write(http.MethodPut, path, header, blob, result)
}

// RawPatch patches a resource at path. Expects http.StatusOK as valid response
func (c Client) RawPatch(path string, body interface{}, result interface{}) (int, error) {
	return c.write(http.MethodPatch, path, nil, body, result)
}

func (c Client) write(method, path string, header map[string]string, body interface{}, result interface{}) (int, error) {
	j, err := marshal(method, path, body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	if j == nil {
		j = []byte{}
	}
	status, _, resBody, err := c.do(method, path, header, j)
	if err != nil {
		return status, err
	}

	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return status, unmarshal(resBody, result)
	case http.StatusConflict:
		// the body explains the conflict, e.g. the items which are out of stock
		_ = unmarshal(resBody, result)
	}
	return status, statusError(method, path, status, resBody)
}

// RawDelete deletes a resource at path. Expects http.StatusOK or http.StatusNoContent
func (c Client) RawDelete(path string) (int, error) {
	status, _, resBody, err := c.do(http.MethodDelete, path, nil, nil)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, statusError(http.MethodDelete, path, status, resBody)
	}
	return status, nil
}

// statusError reports an unexpected status together with the error message of the body
func statusError(method, path string, status int, body []byte) error {
	return fmt.Errorf("%s %s: status %d: %s", method, path, status, strings.TrimSpace(string(body)))
}

// Collection addresses a list resource like /books
type Collection struct {
	client     *Client
	path       string
	parameters url.Values
}

// Collection returns a new collection client. The resource is singular, nested resources are
// separated with a slash and take their parent's id from the selectors, e.g.
// Collection("book/review").WithSelector("book_id", id) addresses /books/{id}/reviews
func (c Client) Collection(resource string) Collection {
	return Collection{client: &c, path: "", parameters: url.Values{}}.resource(resource)
}

func (r Collection) resource(resource string) Collection {
	for _, name := range strings.Split(resource, "/") {
		r.path += "/" + core.Plural(name)
	}
	return r
}

// WithSelector returns a new collection client where the placeholder of the parent resource key
// is replaced by value
func (r Collection) WithSelector(key string, value uuid.UUID) Collection {
	parent := core.Plural(strings.TrimSuffix(key, "_id"))
	segments := strings.Split(r.path, "/")
	var path string
	for _, s := range segments[1:] {
		path += "/" + s
		if s == parent {
			path += "/" + value.String()
		}
	}
	return Collection{client: r.client, path: path, parameters: r.copyParameters()}
}

func (r Collection) copyParameters() url.Values {
	parameters := url.Values{}
	for k, v := range r.parameters {
		parameters[k] = append([]string{}, v...)
	}
	return parameters
}

// WithParameter returns a new collection client with a query parameter added
func (r Collection) WithParameter(key string, value string) Collection {
	parameters := r.copyParameters()
	parameters.Set(key, value)
	return Collection{client: r.client, path: r.path, parameters: parameters}
}

// WithParameters returns a new collection client with all query parameters added
func (r Collection) WithParameters(keyValues map[string]string) Collection {
	for k, v := range keyValues {
		r = r.WithParameter(k, v)
	}
	return r
}

// CollectionPath returns the path of the collection, including query parameters
func (r Collection) CollectionPath() string {
	if len(r.parameters) == 0 {
		return r.path
	}
	return r.path + "?" + r.parameters.Encode()
}

// Create creates a new item in the collection
func (r Collection) Create(body interface{}, result interface{}) (int, error) {
	return r.client.RawPost(r.path, body, result)
}

// List lists the first page of the collection
func (r Collection) List(result interface{}) (int, error) {
	return r.client.RawGet(r.CollectionPath(), result)
}

// Item returns a client for an item of the collection
func (r Collection) Item(id uuid.UUID) Item {
	return Item{client: r.client, path: r.path + "/" + id.String()}
}

// Item is a single item of a collection
type Item struct {
	client *Client
	path   string
}

// Path returns the path of the item
func (r Item) Path() string {
	return r.path
}

// Subcollection returns a collection nested below this item, e.g. the reviews of a book
func (r Item) Subcollection(resource string) Collection {
	return Collection{client: r.client, path: r.path, parameters: url.Values{}}.resource(resource)
}

// Read reads the item
func (r Item) Read(result interface{}) (int, error) {
	return r.client.RawGet(r.path, result)
}

// Update replaces the item
func (r Item) Update(body interface{}, result interface{}) (int, error) {
	return r.client.RawPut(r.path, body, result)
}

// Patch merges body into the item
func (r Item) Patch(body interface{}, result interface{}) (int, error) {
	return r.client.RawPatch(r.path, body, result)
}

// Delete deletes the item
func (r Item) Delete() (int, error) {
	return r.client.RawDelete(r.path)
}

// Page is one page of a collection. Get reads it, Next continues with the cursor it returned
type Page struct {
	collection Collection
	header     http.Header
	done       bool
}

// FirstPage returns the first page of the collection
func (r Collection) FirstPage() Page {
	return Page{collection: r}
}

// Get reads the page into result
func (p *Page) Get(result interface{}) (int, error) {
	status, header, err := p.collection.client.RawGetWithHeader(p.collection.CollectionPath(), nil, result)
	p.header = header
	return status, err
}

// TotalCount returns the total number of items, once the page was read
func (p Page) TotalCount() int {
	count, _ := strconv.Atoi(p.header.Get(core.HeaderPaginationTotalCount))
	return count
}

// HasNext returns true if the page that was read is followed by more data
func (p Page) HasNext() bool {
	return p.header.Get(core.HeaderPaginationNextCursor) != ""
}

// Next returns the next page, following the cursor of the page that was read
func (p Page) Next() Page {
	cursor := p.header.Get(core.HeaderPaginationNextCursor)
	collection := p.collection.WithParameter("cursor", cursor)
	collection.parameters.Del("page")
	return Page{collection: collection, done: cursor == ""}
}

// HasData is false for the page behind the last page
func (p Page) HasData() bool {
	return !p.done
}
