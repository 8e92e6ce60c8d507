// Package auth holds the bearer credential used by the transport. The
// credential is passed in explicitly (login, control API, config) and never
// read from ambient storage.
package auth

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/dmsync/internal/bus"
)

// Claims is the JWT payload issued by the message server.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Credential is a bearer token plus the identity it belongs to.
type Credential struct {
	Token     string
	UserID    string
	ExpiresAt time.Time // zero means no expiry
}

// ErrNoUserID is returned for tokens that do not name a user.
var ErrNoUserID = errors.New("token carries no user id")

// Provider supplies the current credential to every transport call.
// A missing or expired credential disables sync instead of failing it.
type Provider struct {
	mu        sync.RWMutex
	cred      *Credential
	observers []func(available bool)
	bus       *bus.Bus
	now       func() time.Time
}

// NewProvider creates a provider with no credential.
func NewProvider(b *bus.Bus) *Provider {
	return &Provider{bus: b, now: time.Now}
}

// Set installs a JWT. The signature is not checked here (the server does
// that); only the user id and expiry are read from the claims.
func (p *Provider) Set(token string) (Credential, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Credential{}, fmt.Errorf("parse token: %w", err)
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return Credential{}, ErrNoUserID
	}
	cred := Credential{Token: token, UserID: userID}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	p.install(&cred)
	return cred, nil
}

// SetOpaque installs a non-JWT token for a known user.
func (p *Provider) SetOpaque(token, userID string) error {
	if token == "" || userID == "" {
		return errors.New("token and user id are required")
	}
	p.install(&Credential{Token: token, UserID: userID})
	return nil
}

// Clear drops the credential, e.g. on logout or an auth rejection.
func (p *Provider) Clear() {
	p.install(nil)
}

func (p *Provider) install(c *Credential) {
	p.mu.Lock()
	p.cred = c
	observers := append([]func(bool){}, p.observers...)
	p.mu.Unlock()

	available := p.Available()
	for _, fn := range observers {
		fn(available)
	}
	p.bus.Emit(bus.KindCredentialChanged, available)
}

// Current returns the credential if one is installed and not expired.
func (p *Provider) Current() (Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cred == nil {
		return Credential{}, false
	}
	if !p.cred.ExpiresAt.IsZero() && !p.now().Before(p.cred.ExpiresAt) {
		return Credential{}, false
	}
	return *p.cred, true
}

// Bearer returns the token to put in the Authorization header.
func (p *Provider) Bearer() (string, bool) {
	c, ok := p.Current()
	return c.Token, ok
}

// UserID returns the id of the signed-in user, or "" when signed out.
func (p *Provider) UserID() string {
	c, _ := p.Current()
	return c.UserID
}

// Available reports whether sync may run.
func (p *Provider) Available() bool {
	_, ok := p.Current()
	return ok
}

// OnChange registers fn to run after every Set/Clear.
func (p *Provider) OnChange(fn func(available bool)) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}
