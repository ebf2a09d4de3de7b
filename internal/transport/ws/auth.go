package ws

import (
	"crypto/subtle"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"
)

type Credentials struct {
	Username string
	Password string // plain text or bcrypt hash
}

// Authenticator checks envelope credentials. It is safe for concurrent use and
// can be swapped on config reload.
type Authenticator struct {
	cur atomic.Pointer[Credentials]
}

func NewAuthenticator(c Credentials) *Authenticator {
	a := &Authenticator{}
	a.Set(c)
	return a
}

func (a *Authenticator) Set(c Credentials) {
	a.cur.Store(&c)
}

func (a *Authenticator) Check(username, password string) error {
	c := a.cur.Load()
	if c == nil || c.Username == "" {
		return ErrAuthFailed
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username)) == 1
	var passOK bool
	if isBcrypt(c.Password) {
		passOK = bcrypt.CompareHashAndPassword([]byte(c.Password), []byte(password)) == nil
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(password), []byte(c.Password)) == 1
	}
	if !userOK || !passOK {
		return ErrAuthFailed
	}
	return nil
}

func isBcrypt(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}
