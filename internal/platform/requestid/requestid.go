package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Must never fails: if the random source is unavailable it falls back to a
// service-scoped timestamp id.
func Must(service string) string {
	id, err := New()
	if err != nil {
		return fmt.Sprintf("%s-%d", service, time.Now().UnixNano())
	}
	return id
}
