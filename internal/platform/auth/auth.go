package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kilnlabs/kiln-go/internal/platform/env"
)

type Mode string

const (
	ModeOIDC     Mode = "oidc"
	ModeGateway  Mode = "gateway"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Config is the coordinator's auth surface, read from KILN_AUTH_* and
// KILN_OIDC_* variables.
type Config struct {
	Mode Mode

	RolesClaim string
	EmailClaim string

	SessionCookieName     string
	SessionCookieSecure   bool
	SessionCookieMaxAge   time.Duration
	SessionCookieSameSite string

	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCRedirectURL  string
	OIDCScopes       []string

	GatewaySecret string

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeOIDC:
		return ModeOIDC, nil
	case ModeGateway:
		return ModeGateway, nil
	case ModeDev:
		return ModeDev, nil
	case ModeDisabled:
		return ModeDisabled, nil
	}
	return "", fmt.Errorf("KILN_AUTH_MODE must be one of: oidc, gateway, dev, disabled (got %q)", raw)
}

func ConfigFromEnv() (Config, error) {
	mode, err := parseMode(env.String("KILN_AUTH_MODE", string(ModeOIDC)))
	if err != nil {
		return Config{}, err
	}

	sessionCookieSecure, err := env.Bool("KILN_AUTH_SESSION_COOKIE_SECURE", true)
	if err != nil {
		return Config{}, err
	}
	maxAgeSeconds, err := env.Int("KILN_AUTH_SESSION_MAX_AGE_SECONDS", 3600)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:                  mode,
		RolesClaim:            env.String("KILN_AUTH_ROLES_CLAIM", "roles"),
		EmailClaim:            env.String("KILN_AUTH_EMAIL_CLAIM", "email"),
		SessionCookieName:     env.String("KILN_AUTH_SESSION_COOKIE_NAME", "kiln_session"),
		SessionCookieSecure:   sessionCookieSecure,
		SessionCookieMaxAge:   time.Duration(maxAgeSeconds) * time.Second,
		SessionCookieSameSite: env.String("KILN_AUTH_SESSION_COOKIE_SAMESITE", "Lax"),
		OIDCIssuerURL:         env.String("KILN_OIDC_ISSUER_URL", ""),
		OIDCClientID:          env.String("KILN_OIDC_CLIENT_ID", ""),
		OIDCClientSecret:      env.String("KILN_OIDC_CLIENT_SECRET", ""),
		OIDCRedirectURL:       env.String("KILN_OIDC_REDIRECT_URL", ""),
		OIDCScopes:            parseScopes(env.String("KILN_OIDC_SCOPES", "openid profile email")),
		GatewaySecret:         env.String("KILN_AUTH_GATEWAY_SECRET", ""),
		DevSubject:            env.String("KILN_AUTH_DEV_SUBJECT", "dev-user"),
		DevEmail:              env.String("KILN_AUTH_DEV_EMAIL", "dev-user@example.local"),
		DevRoles:              parseCSV(env.String("KILN_AUTH_DEV_ROLES", RoleAdmin)),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(string(c.Mode)) == "" {
		return errors.New("KILN_AUTH_MODE is required")
	}
	if strings.TrimSpace(c.RolesClaim) == "" {
		return errors.New("KILN_AUTH_ROLES_CLAIM is required")
	}
	if strings.TrimSpace(c.EmailClaim) == "" {
		return errors.New("KILN_AUTH_EMAIL_CLAIM is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return errors.New("KILN_AUTH_SESSION_COOKIE_NAME is required")
	}
	if c.SessionCookieMaxAge <= 0 {
		return errors.New("KILN_AUTH_SESSION_MAX_AGE_SECONDS must be positive")
	}
	if strings.TrimSpace(c.SessionCookieSameSite) == "" {
		return errors.New("KILN_AUTH_SESSION_COOKIE_SAMESITE is required")
	}

	switch c.Mode {
	case ModeOIDC:
		if strings.TrimSpace(c.OIDCIssuerURL) == "" {
			return errors.New("KILN_OIDC_ISSUER_URL is required when KILN_AUTH_MODE=oidc")
		}
		if strings.TrimSpace(c.OIDCClientID) == "" {
			return errors.New("KILN_OIDC_CLIENT_ID is required when KILN_AUTH_MODE=oidc")
		}
		// A code exchange without the openid scope returns no ID token.
		if !hasScope(c.OIDCScopes, "openid") {
			return errors.New("KILN_OIDC_SCOPES must include openid")
		}
	case ModeGateway:
		if strings.TrimSpace(c.GatewaySecret) == "" {
			return errors.New("KILN_AUTH_GATEWAY_SECRET is required when KILN_AUTH_MODE=gateway")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("KILN_AUTH_DEV_SUBJECT is required when KILN_AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("KILN_AUTH_DEV_ROLES must be non-empty when KILN_AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}

	return nil
}

func (c Config) ValidateForLogin() error {
	if c.Mode != ModeOIDC {
		return fmt.Errorf("login requires KILN_AUTH_MODE=oidc (got %q)", c.Mode)
	}
	if strings.TrimSpace(c.OIDCClientSecret) == "" {
		return errors.New("KILN_OIDC_CLIENT_SECRET is required for login endpoints")
	}
	if strings.TrimSpace(c.OIDCRedirectURL) == "" {
		return errors.New("KILN_OIDC_REDIRECT_URL is required for login endpoints")
	}
	return nil
}

func parseScopes(value string) []string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return []string{"openid", "profile", "email"}
	}
	return fields
}

func hasScope(scopes []string, want string) bool {
	for _, scope := range scopes {
		if scope == want {
			return true
		}
	}
	return false
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
