package auth

import (
	"context"
	"log/slog"
	"time"

	"openpos/internal/apperr"
	"openpos/internal/store"
)

// ColUsers holds account documents in the tenant store, keyed by userId.
const ColUsers = "users"

// User is a stored account. The password is kept as salt + sha256 digest.
type User struct {
	UserID       string    `json:"userId"`
	TenantID     string    `json:"tenantId"`
	DisplayName  string    `json:"displayName"`
	Roles        []string  `json:"roles,omitempty"`
	IsSuperuser  bool      `json:"isSuperuser"`
	IsActive     bool      `json:"isActive"`
	Salt         string    `json:"salt"`
	PasswordHash string    `json:"passwordHash"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Accounts manages account documents and token issuance against them.
type Accounts struct {
	mgr    *store.Manager
	broker *Broker
	logger *slog.Logger
}

func NewAccounts(mgr *store.Manager, broker *Broker, logger *slog.Logger) *Accounts {
	return &Accounts{mgr: mgr, broker: broker, logger: logger.With("component", "accounts")}
}

// Register creates an account in the tenant. The tenant itself must already
// exist; superuser registration creates it first via the terminal engine.
func (a *Accounts) Register(ctx context.Context, tenantID, userID, password, displayName string, superuser bool, roles []string) (*User, error) {
	if userID == "" || password == "" {
		return nil, apperr.Validation(apperr.CodeAccountBase+101, "userId and password are required")
	}
	db, err := a.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	salt, hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := User{
		UserID:       userID,
		TenantID:     tenantID,
		DisplayName:  displayName,
		Roles:        roles,
		IsSuperuser:  superuser,
		IsActive:     true,
		Salt:         salt,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := db.Insert(ctx, ColUsers, userID, user); err != nil {
		if apperr.IsKind(err, apperr.KindConflict) {
			return nil, apperr.Conflict(apperr.CodeAccountBase+102, "user %s already exists", userID)
		}
		return nil, err
	}
	a.logger.Info("account registered", "tenant", tenantID, "user", userID, "superuser", superuser)
	return &user, nil
}

// Authenticate verifies the credentials and returns a signed token. The
// error is the same whether the user is missing or the password is wrong.
func (a *Accounts) Authenticate(ctx context.Context, tenantID, userID, password string) (string, *User, error) {
	badCredentials := apperr.Authentication(apperr.CodeAccountBase+103, "invalid credentials")
	if !a.mgr.Exists(tenantID) {
		return "", nil, badCredentials
	}
	db, err := a.mgr.Tenant(tenantID)
	if err != nil {
		return "", nil, err
	}
	var user User
	if _, err := db.Get(ctx, ColUsers, userID, &user); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return "", nil, badCredentials
		}
		return "", nil, err
	}
	if !VerifyPassword(password, user.Salt, user.PasswordHash) {
		return "", nil, badCredentials
	}
	if !user.IsActive {
		return "", nil, apperr.Authentication(apperr.CodeAccountBase+2, "account is inactive")
	}
	token, err := a.broker.IssueToken(user.UserID, user.TenantID, user.IsSuperuser, user.IsActive)
	if err != nil {
		return "", nil, err
	}
	return token, &user, nil
}

// Get returns an account without its credential fields.
func (a *Accounts) Get(ctx context.Context, tenantID, userID string) (*User, error) {
	db, err := a.mgr.Tenant(tenantID)
	if err != nil {
		return nil, err
	}
	var user User
	if _, err := db.Get(ctx, ColUsers, userID, &user); err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return nil, apperr.NotFound(apperr.CodeAccountBase+404, "user %s not found", userID)
		}
		return nil, err
	}
	user.Salt, user.PasswordHash = "", ""
	return &user, nil
}
