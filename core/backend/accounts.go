package backend

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lib/pq"

	"github.com/relabs-tech/bookstore/core"
	"github.com/relabs-tech/bookstore/core/access"
	"github.com/relabs-tech/bookstore/core/logger"
	"github.com/relabs-tech/bookstore/core/metrics"
	"github.com/relabs-tech/bookstore/core/ratelimit"
	"github.com/relabs-tech/bookstore/core/schema"
)

// Account is a registered user of the bookstore. The password hash never leaves the backend.
type Account struct {
	AccountID  uuid.UUID              `json:"account_id"`
	Email      string                 `json:"email"`
	Name       string                 `json:"name"`
	Roles      []string               `json:"roles"`
	Properties map[string]interface{} `json:"properties"`
	Timestamp  time.Time              `json:"timestamp"`
	Revision   int                    `json:"revision"`

	passwordHash string
}

// LoginResponse is returned by a successful login
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Account   Account   `json:"account"`
}

// errNoAccount is returned for shortcut routes when the caller is not bound to an account
var errNoAccount = errors.New("not authorized")

const accountColumns = `account_id, email, name, roles, properties, timestamp, revision, password_hash`

func scanAccount(row scanner) (Account, error) {
	var (
		a          Account
		properties []byte
	)
	err := row.Scan(&a.AccountID, &a.Email, &a.Name, pq.Array(&a.Roles), &properties, &a.Timestamp,
		&a.Revision, &a.passwordHash)
	if err != nil {
		return a, err
	}
	if err = json.Unmarshal(properties, &a.Properties); err != nil {
		return a, err
	}
	return a, nil
}

// normalizeEmail lowercases and trims an email address. Emails are unique in this form
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// accountIDFromAuthorization returns the account the authorization is bound to
func accountIDFromAuthorization(auth *access.Authorization) (uuid.UUID, bool) {
	selector, ok := auth.Selector("account_id")
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(selector)
	return id, err == nil
}

// accountIDFromRequest returns the account a request addresses: the account_id path
// variable if the route has one, the caller's own account otherwise
func accountIDFromRequest(r *http.Request) (uuid.UUID, error) {
	if _, ok := mux.Vars(r)["account_id"]; ok {
		return pathID(r, "account_id")
	}
	id, ok := accountIDFromAuthorization(access.AuthorizationFromContext(r.Context()))
	if !ok {
		return id, errNoAccount
	}
	return id, nil
}

// ReadAccount reads a single account
func (b *Backend) ReadAccount(ctx context.Context, accountID uuid.UUID) (Account, error) {
	a, err := scanAccount(b.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM `+b.db.Table("account")+
		` WHERE account_id=$1;`, accountID))
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// CreateAccount creates an account with the given roles
func (b *Backend) CreateAccount(ctx context.Context, email, name, password string, roles []string) (Account, error) {
	hash, err := access.HashPassword(password)
	if err != nil {
		return Account{}, err
	}
	return scanAccount(b.db.QueryRowContext(ctx, `INSERT INTO `+b.db.Table("account")+`
(account_id, email, name, password_hash, roles, properties, timestamp, revision)
VALUES($1,$2,$3,$4,$5,'{}',$6,1)
RETURNING `+accountColumns+`;`,
		uuid.New(), normalizeEmail(email), name, hash, pq.Array(roles), time.Now().UTC()))
}

// EnsureAdminAccount makes sure an account with email exists, has the admin role and can log
// in with password. It is called at startup with the configured administrator credentials.
func (b *Backend) EnsureAdminAccount(ctx context.Context, email, password string) (Account, error) {
	hash, err := access.HashPassword(password)
	if err != nil {
		return Account{}, err
	}
	a, err := scanAccount(b.db.QueryRowContext(ctx, `INSERT INTO `+b.db.Table("account")+` AS a
(account_id, email, name, password_hash, roles, properties, timestamp, revision)
VALUES($1,$2,'Administrator',$3,$4,'{}',$5,1)
ON CONFLICT (email) DO UPDATE SET password_hash=$3,
roles=ARRAY(SELECT DISTINCT unnest(a.roles || $4::varchar[])),
revision=a.revision+1
RETURNING `+accountColumns+`;`,
		uuid.New(), normalizeEmail(email), hash, pq.Array([]string{access.RoleAdmin}), time.Now().UTC()))
	if err != nil {
		return a, err
	}
	logger.FromContext(ctx).Infof("admin account %s is ready", a.Email)
	return a, nil
}

// Login checks the credentials and issues an access token
func (b *Backend) Login(ctx context.Context, email, password string) (LoginResponse, error) {
	a, err := scanAccount(b.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM `+b.db.Table("account")+
		` WHERE email=$1;`, normalizeEmail(email)))
	if err == sql.ErrNoRows {
		return LoginResponse{}, access.RejectUnknownAccount(password)
	}
	if err != nil {
		return LoginResponse{}, err
	}
	if err = access.CheckPassword(a.passwordHash, password); err != nil {
		return LoginResponse{}, err
	}
	token, expiresAt, err := b.tokens.Issue(a.AccountID, a.Email, a.Roles)
	if err != nil {
		return LoginResponse{}, err
	}
	return LoginResponse{Token: token, ExpiresAt: expiresAt, Account: a}, nil
}

// UpdateAccount updates name and, if not empty, password of an account
func (b *Backend) UpdateAccount(ctx context.Context, accountID uuid.UUID, name, password string) (Account, error) {
	q := sqlQuery{}
	set := []string{"revision=revision+1"}
	if name != "" {
		set = append(set, "name="+q.next(name))
	}
	if password != "" {
		hash, err := access.HashPassword(password)
		if err != nil {
			return Account{}, err
		}
		set = append(set, "password_hash="+q.next(hash))
	}
	a, err := scanAccount(b.db.QueryRowContext(ctx, `UPDATE `+b.db.Table("account")+` SET `+strings.Join(set, ", ")+
		` WHERE account_id=`+q.next(accountID)+` RETURNING `+accountColumns+`;`, q.args...))
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// UpdateRoles replaces the roles of an account. Tokens issued before keep their roles until they expire
func (b *Backend) UpdateRoles(ctx context.Context, accountID uuid.UUID, roles []string) (Account, error) {
	a, err := scanAccount(b.db.QueryRowContext(ctx, `UPDATE `+b.db.Table("account")+
		` SET roles=$2, revision=revision+1 WHERE account_id=$1 RETURNING `+accountColumns+`;`,
		accountID, pq.Array(roles)))
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// DeleteAccount deletes an account with its cart and reviews. Orders are kept for the books
func (b *Backend) DeleteAccount(ctx context.Context, accountID uuid.UUID) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM `+b.db.Table("account")+` WHERE account_id=$1;`, accountID)
	if err != nil {
		return err
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *Backend) handleAccounts(router *mux.Router) {
	logger.Default().Debugln("account")
	logger.Default().Debugln("  handle route: /accounts/register POST")
	logger.Default().Debugln("  handle route: /accounts/login POST")
	logger.Default().Debugln("  handle route: /accounts/me GET,PATCH")
	logger.Default().Debugln("  handle collection route: /accounts GET")
	logger.Default().Debugln("  handle item route: /accounts/{account_id} GET,PATCH,DELETE")
	logger.Default().Debugln("  handle route: /accounts/{account_id}/roles PUT")

	router.HandleFunc("/accounts/register", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		if err = b.validator.ValidateBytes(body, schema.RegistrationID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var in struct {
			Email    string `json:"email"`
			Name     string `json:"name"`
			Password string `json:"password"`
		}
		if err = json.Unmarshal(body, &in); err != nil {
			http.Error(w, "invalid registration: "+err.Error(), http.StatusBadRequest)
			return
		}
		a, err := b.CreateAccount(r.Context(), in.Email, in.Name, in.Password, []string{access.RoleCustomer})
		if errors.Is(err, access.ErrPasswordLength) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			writeError(w, r, "4301", err)
			return
		}
		logger.FromContext(r.Context()).Infof("registered account %s", a.AccountID)
		writeJSON(w, http.StatusCreated, a)
	}).Methods(http.MethodOptions, http.MethodPost)

	router.HandleFunc("/accounts/login", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		if !b.loginLimiter.Allow(ratelimit.ClientIP(r)) {
			metrics.RecordLogin("throttled")
			http.Error(w, "too many login attempts", http.StatusTooManyRequests)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		if err = b.validator.ValidateBytes(body, schema.LoginID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var in struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err = json.Unmarshal(body, &in); err != nil {
			http.Error(w, "invalid login: "+err.Error(), http.StatusBadRequest)
			return
		}
		response, err := b.Login(r.Context(), in.Email, in.Password)
		if errors.Is(err, access.ErrPasswordMismatch) {
			metrics.RecordLogin("failure")
			logger.FromContext(r.Context()).Infof("failed login for %s", normalizeEmail(in.Email))
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		if err != nil {
			metrics.RecordLogin("error")
			writeError(w, r, "4302", err)
			return
		}
		metrics.RecordLogin("success")
		http.SetCookie(w, &http.Cookie{
			Name:     access.CookieName,
			Value:    response.Token,
			Path:     "/",
			Expires:  response.ExpiresAt,
			HttpOnly: true,
			SameSite: http.SameSiteStrictMode,
		})
		writeJSON(w, http.StatusOK, response)
	}).Methods(http.MethodOptions, http.MethodPost)

	readAccount := func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		accountID, err := accountIDFromRequest(r)
		if err == errNoAccount {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params := map[string]string{"account_id": accountID.String()}
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "account", core.OperationRead, params) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		a, err := b.ReadAccount(r.Context(), accountID)
		if err != nil {
			writeError(w, r, "4303", err)
			return
		}
		jsonData, _ := json.Marshal(a)
		writeJSONWithEtag(w, r, bytesToEtag(jsonData), jsonData)
	}

	updateAccount := func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		accountID, err := accountIDFromRequest(r)
		if err == errNoAccount {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params := map[string]string{"account_id": accountID.String()}
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "account", core.OperationUpdate, params) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		if err = b.validator.ValidateBytes(body, schema.AccountUpdateID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var in struct {
			Name     string `json:"name"`
			Password string `json:"password"`
		}
		if err = json.Unmarshal(body, &in); err != nil {
			http.Error(w, "invalid account: "+err.Error(), http.StatusBadRequest)
			return
		}
		a, err := b.UpdateAccount(r.Context(), accountID, in.Name, in.Password)
		if errors.Is(err, access.ErrPasswordLength) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err != nil {
			writeError(w, r, "4304", err)
			return
		}
		logger.FromContext(r.Context()).Infof("updated account %s", a.AccountID)
		writeJSON(w, http.StatusOK, a)
	}

	router.HandleFunc("/accounts/me", readAccount).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/accounts/me", updateAccount).Methods(http.MethodPatch)

	router.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "account", core.OperationList, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		b.listAccounts(w, r)
	}).Methods(http.MethodOptions, http.MethodGet)

	router.HandleFunc("/accounts/{account_id}", readAccount).Methods(http.MethodOptions, http.MethodGet)
	router.HandleFunc("/accounts/{account_id}", updateAccount).Methods(http.MethodPatch)

	router.HandleFunc("/accounts/{account_id}", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "account", core.OperationDelete, nil) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		accountID, err := pathID(r, "account_id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = b.DeleteAccount(r.Context(), accountID); err != nil {
			writeError(w, r, "4305", err)
			return
		}
		logger.FromContext(r.Context()).Infof("deleted account %s", accountID)
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	router.HandleFunc("/accounts/{account_id}/roles", func(w http.ResponseWriter, r *http.Request) {
		logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method)
		accountID, err := pathID(r, "account_id")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params := map[string]string{"account_id": accountID.String()}
		if !b.isAuthorized(access.AuthorizationFromContext(r.Context()), "account/roles", core.OperationUpdate, params) {
			http.Error(w, "not authorized", http.StatusUnauthorized)
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		if err = b.validator.ValidateBytes(body, schema.RolesID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var in struct {
			Roles []string `json:"roles"`
		}
		if err = json.Unmarshal(body, &in); err != nil {
			http.Error(w, "invalid roles: "+err.Error(), http.StatusBadRequest)
			return
		}
		a, err := b.UpdateRoles(r.Context(), accountID, in.Roles)
		if err != nil {
			writeError(w, r, "4306", err)
			return
		}
		logger.FromContext(r.Context()).Infof("roles of account %s set to %v", a.AccountID, a.Roles)
		writeJSON(w, http.StatusOK, a)
	}).Methods(http.MethodOptions, http.MethodPut)
}

func (b *Backend) listAccounts(w http.ResponseWriter, r *http.Request) {
	p, err := parseListParams(r, "email", "role")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q := sqlQuery{}
	if email, ok := p.filters["email"]; ok {
		q.add("email=%s", normalizeEmail(email))
	}
	if role, ok := p.filters["role"]; ok {
		q.add("%s=ANY(roles)", role)
	}
	var totalCount int
	err = b.db.QueryRowContext(r.Context(), `SELECT count(*) FROM `+b.db.Table("account")+q.whereClause()+`;`,
		q.args...).Scan(&totalCount)
	if err != nil {
		writeError(w, r, "4307", err)
		return
	}
	clause := p.pageClause(&q, "timestamp", "timestamp", "account_id")
	rows, err := b.db.QueryContext(r.Context(), `SELECT `+accountColumns+` FROM `+b.db.Table("account")+
		q.whereClause()+clause+`;`, q.args...)
	if err != nil {
		writeError(w, r, "4308", err)
		return
	}
	defer rows.Close()
	accounts := []Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			writeError(w, r, "4309", err)
			return
		}
		accounts = append(accounts, a)
	}
	if err = rows.Err(); err != nil {
		writeError(w, r, "4310", err)
		return
	}
	var next *PaginationCursor
	if len(accounts) > p.limit {
		accounts = accounts[:p.limit]
		last := accounts[len(accounts)-1]
		next = &PaginationCursor{Timestamp: last.Timestamp, ID: last.AccountID}
	}
	writePaginationHeaders(w, p, totalCount, next)
	jsonData, _ := json.Marshal(accounts)
	writeJSONWithEtag(w, r, bytesPlusTotalCountToEtag(jsonData, totalCount), jsonData)
}
