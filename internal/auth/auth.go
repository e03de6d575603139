// Package auth authenticates the newsletter publisher. Credentials arrive via
// HTTP Basic auth and are checked against a bcrypt hash from configuration.
// Password hashing runs on a BlockingPool so a burst of login attempts
// queues instead of saturating every CPU.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tbourn/go-newsletter-backend/internal/config"
	"github.com/tbourn/go-newsletter-backend/internal/secret"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
// The two cases are deliberately indistinguishable.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Credentials is a username and password pair.
type Credentials struct {
	Username string
	Password secret.Secret
}

// Authenticator resolves credentials to a stable user id.
type Authenticator interface {
	Authenticate(ctx context.Context, c Credentials) (string, error)
}

// StaticAuthenticator knows a single account.
type StaticAuthenticator struct {
	username  string
	hash      []byte
	dummyHash []byte
	userID    string
	pool      *BlockingPool
}

// NewStaticAuthenticator builds an authenticator for cfg. An empty password
// hash disables the account: every attempt fails, still paying the hashing
// cost. A nil pool gets a GOMAXPROCS-sized one.
func NewStaticAuthenticator(cfg config.AdminConfig, pool *BlockingPool) (*StaticAuthenticator, error) {
	if pool == nil {
		pool = NewBlockingPool(0)
	}
	a := &StaticAuthenticator{
		username: cfg.Username,
		userID:   cfg.UserID,
		pool:     pool,
	}
	if a.userID == "" {
		a.userID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("newsletter-admin:"+cfg.Username)).String()
	}

	cost := bcrypt.DefaultCost
	if !cfg.PasswordHash.IsZero() {
		a.hash = []byte(cfg.PasswordHash.Expose())
		c, err := bcrypt.Cost(a.hash)
		if err != nil {
			return nil, fmt.Errorf("admin password hash: %w", err)
		}
		cost = c
	}

	// Unknown users are checked against this hash so both paths take the
	// same time.
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), cost)
	if err != nil {
		return nil, fmt.Errorf("dummy hash: %w", err)
	}
	a.dummyHash = dummy
	return a, nil
}

// Enabled reports whether a password hash is configured.
func (a *StaticAuthenticator) Enabled() bool { return len(a.hash) > 0 }

// Authenticate implements Authenticator.
func (a *StaticAuthenticator) Authenticate(ctx context.Context, c Credentials) (string, error) {
	userOK := subtle.ConstantTimeCompare([]byte(c.Username), []byte(a.username)) == 1
	hash := a.hash
	if !userOK || len(hash) == 0 {
		hash = a.dummyHash
	}

	var cmpErr error
	if err := a.pool.Do(ctx, func() error {
		cmpErr = bcrypt.CompareHashAndPassword(hash, []byte(c.Password.Expose()))
		return nil
	}); err != nil {
		return "", err
	}

	if !userOK || len(a.hash) == 0 || cmpErr != nil {
		return "", ErrInvalidCredentials
	}
	return a.userID, nil
}
