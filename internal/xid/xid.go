package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// NewOfflineID returns the idempotency key for a queued sale. It falls back to a
// timestamp plus random suffix when the system random source is unavailable.
func NewOfflineID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return New("offline")
	}
	return id.String()
}
