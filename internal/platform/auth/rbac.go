package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer  = "viewer"
	RoleBuilder = "builder"
	RoleAdmin   = "admin"
)

var roleLevels = map[string]int{
	RoleViewer:  1,
	RoleBuilder: 2,
	RoleAdmin:   3,
}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		level := roleLevels[strings.ToLower(strings.TrimSpace(role))]
		if level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

// RequiredRoleForRequest maps a request to the weakest role allowed to make
// it. Reads are open to viewers. Workflow registration and retirement change
// what every subsequent push builds, so those writes need admin; all other
// writes (retries, cancels, job callbacks) need builder.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	if isWorkflowManagement(r.URL.Path) {
		return RoleAdmin
	}
	return RoleBuilder
}

func isWorkflowManagement(path string) bool {
	return path == "/workflows" || strings.HasPrefix(path, "/workflows/")
}
