package transport

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dreamware/consortium/internal/config"
)

// ErrUnauthenticated is returned by an Authorizer rejecting a connection.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authorizer decides whether a connection attempt may be upgraded.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// TokenAuthorizer accepts connections presenting a shared token, either as
// a bearer Authorization header or as the "token" query parameter.
type TokenAuthorizer struct {
	Token string
}

// Authorize checks the request's token.
func (a TokenAuthorizer) Authorize(r *http.Request) error {
	token := r.URL.Query().Get("token")
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		token = strings.TrimSpace(authz[len("bearer "):])
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) != 1 {
		return ErrUnauthenticated
	}
	return nil
}

// NewAuthorizer returns the authorizer of the configured auth plugin, or nil
// when authentication is disabled.
func NewAuthorizer(plugin string, opts map[string]string) (Authorizer, error) {
	switch plugin {
	case config.AuthNone:
		return nil, nil
	case config.AuthToken:
		if opts["token"] == "" {
			return nil, errors.New("token plugin requires a token")
		}
		return TokenAuthorizer{Token: opts["token"]}, nil
	default:
		return nil, fmt.Errorf("unknown auth plugin %q", plugin)
	}
}
