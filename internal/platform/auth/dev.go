package auth

import (
	"context"
	"net"
	"net/http"
)

// DevAuthenticator stamps every request with a fixed identity. It only
// answers loopback clients so a coordinator accidentally exposed with
// KILN_AUTH_MODE=dev does not hand out the identity to the network.
type DevAuthenticator struct {
	identity Identity
}

func NewDevAuthenticator(cfg Config) *DevAuthenticator {
	return &DevAuthenticator{
		identity: Identity{
			Subject: cfg.DevSubject,
			Email:   cfg.DevEmail,
			Roles:   cfg.DevRoles,
		},
	}
}

func (a *DevAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if !loopbackAddr(r.RemoteAddr) {
		return Identity{}, ErrUnauthenticated
	}
	return a.identity, nil
}

func loopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
