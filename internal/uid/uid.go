// Package uid provides identifier generation for ossgate.
package uid

import (
	"crypto/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// New returns a random UUID string, used for task ids and request-scoped
// identifiers.
func New() string {
	return uuid.NewString()
}

var (
	stampMu   sync.Mutex
	lastStamp int64
)

// VersionStamp returns a strictly increasing microsecond timestamp. Versioned
// buckets prefix object keys with it so each upload gets a fresh backend key.
func VersionStamp() string {
	stampMu.Lock()
	defer stampMu.Unlock()
	now := time.Now().UnixMicro()
	if now <= lastStamp {
		now = lastStamp + 1
	}
	lastStamp = now
	return strconv.FormatInt(now, 10)
}

const suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Suffix returns n random characters from [a-z0-9].
func Suffix(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(err)
	}
	for i := range b {
		b[i] = suffixAlphabet[int(b[i])%len(suffixAlphabet)]
	}
	return string(b)
}
