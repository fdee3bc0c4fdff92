package domain

import (
	"errors"
	"strings"
	"time"
)

// Workflow is one immutable registered version of a workflow spec. Editing a
// spec registers a new version; started builds keep the hash they snapshotted.
type Workflow struct {
	ID        string
	Name      string
	Version   int64
	SpecHash  string
	RawSpec   []byte
	Active    bool
	CreatedAt time.Time
	CreatedBy string
}

func (w Workflow) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("workflow id is required")
	}
	if strings.TrimSpace(w.Name) == "" {
		return errors.New("workflow name is required")
	}
	if w.Version < 1 {
		return errors.New("workflow version must be >= 1")
	}
	if strings.TrimSpace(w.SpecHash) == "" {
		return errors.New("spec hash is required")
	}
	if len(w.RawSpec) == 0 {
		return errors.New("raw spec is required")
	}
	return nil
}
