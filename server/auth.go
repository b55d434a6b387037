package server

import (
	"net/http"

	auth "github.com/abbot/go-http-auth"
)

// Authenticator guards the public content routes and names the caller
// whose access id ends up in upload callback URLs.
type Authenticator interface {
	Wrap(h http.HandlerFunc) http.HandlerFunc
	AccessID(r *http.Request) string
}

// AllowAll disables authentication; every caller is anonymous.
func AllowAll() Authenticator {
	return anonymous{}
}

type anonymous struct{}

func (anonymous) Wrap(h http.HandlerFunc) http.HandlerFunc { return h }

func (anonymous) AccessID(r *http.Request) string { return "anonymous" }

// NewHtpasswdAuth authenticates requests against a .htpasswd file.
func NewHtpasswdAuth(realm string, htpasswdFile string) Authenticator {
	secrets := auth.HtpasswdFileProvider(htpasswdFile)
	return &checkedAuth{authenticator: auth.NewBasicAuthenticator(realm, secrets)}
}

// NewCheckedAuth adapts any go-http-auth authenticator, e.g. the LDAP
// result cache.
func NewCheckedAuth(authenticator auth.AuthenticatorInterface) Authenticator {
	return &checkedAuth{authenticator: authenticator}
}

type checkedAuth struct {
	authenticator auth.AuthenticatorInterface
}

func (c *checkedAuth) Wrap(h http.HandlerFunc) http.HandlerFunc {
	return auth.JustCheck(c.authenticator, h)
}

func (c *checkedAuth) AccessID(r *http.Request) string {
	// Set by auth.JustCheck once the request is authenticated.
	if user := r.Header.Get(auth.AuthUsernameHeader); user != "" {
		return user
	}
	return "anonymous"
}
