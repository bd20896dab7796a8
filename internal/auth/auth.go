// Package auth resolves the principal behind an HTTP or websocket request.
// Identity is owned by an upstream auth system; this service only reads the
// principal it has already established.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrUnauthenticated = errors.New("unauthenticated")

const (
	ModeHeader    = "header"
	ModeAnonymous = "anonymous"

	DefaultUserHeader = "X-User-ID"
	AnonymousUserID   = "anonymous"
)

type Principal struct {
	UserID string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Principal, error)
}

// HeaderAuthenticator trusts a header set by the fronting auth proxy.
type HeaderAuthenticator struct {
	Header string
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (Principal, error) {
	header := a.Header
	if strings.TrimSpace(header) == "" {
		header = DefaultUserHeader
	}
	userID := strings.TrimSpace(r.Header.Get(header))
	if userID == "" {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{UserID: userID}, nil
}

// Anonymous maps every request to one shared principal. Local development only.
type Anonymous struct{}

func (Anonymous) Authenticate(*http.Request) (Principal, error) {
	return Principal{UserID: AnonymousUserID}, nil
}

// New builds the authenticator for mode.
func New(mode, header string) (Authenticator, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeHeader:
		return HeaderAuthenticator{Header: header}, nil
	case ModeAnonymous:
		return Anonymous{}, nil
	default:
		return nil, errors.New("unknown auth mode: " + mode)
	}
}
