package auth

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// JobTokenAuthenticator accepts bearer job tokens and falls through to Next
// for anything else.
type JobTokenAuthenticator struct {
	Secret string
	Next   Authenticator
	Now    func() time.Time
}

func (a JobTokenAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		token := strings.TrimSpace(authz[len("bearer "):])
		if strings.HasPrefix(token, jobTokenPrefix+".") {
			now := time.Now().UTC()
			if a.Now != nil {
				now = a.Now().UTC()
			}
			claims, err := VerifyJobToken(a.Secret, token, now)
			if err != nil {
				return Identity{}, ErrUnauthenticated
			}
			return Identity{
				Subject: JobTokenSubject(claims),
				Roles:   []string{RoleBuilder},
			}, nil
		}
	}

	if a.Next == nil {
		return Identity{}, ErrUnauthenticated
	}
	return a.Next.Authenticate(ctx, r)
}
