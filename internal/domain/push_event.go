package domain

import (
	"errors"
	"strings"
	"time"
)

// PushEvent is one received push delivery. Delivery IDs dedupe retries.
type PushEvent struct {
	DeliveryID    string
	Repo          string
	FullName      string
	Ref           string
	Branch        string
	HeadCommit    string
	Pusher        string
	PayloadSHA256 string
	ReceivedAt    time.Time
}

func (e PushEvent) Validate() error {
	if strings.TrimSpace(e.DeliveryID) == "" {
		return errors.New("delivery id is required")
	}
	if strings.TrimSpace(e.Repo) == "" {
		return errors.New("repo is required")
	}
	if strings.TrimSpace(e.Ref) == "" {
		return errors.New("ref is required")
	}
	if strings.TrimSpace(e.PayloadSHA256) == "" {
		return errors.New("payload sha256 is required")
	}
	return nil
}

// BranchFromRef extracts the branch name from a push ref. Tag refs and other
// non-branch refs return ok=false.
func BranchFromRef(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	const prefix = "refs/heads/"
	if !strings.HasPrefix(ref, prefix) {
		return "", false
	}
	branch := strings.TrimPrefix(ref, prefix)
	if branch == "" {
		return "", false
	}
	return branch, true
}
