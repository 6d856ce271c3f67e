// Package idgen generates ids for persisted settlement entities.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Prefixes of persisted ids. The prefix tells an operator reading a log line
// which table an id belongs to.
const (
	Order       = "ord_"
	Trade       = "trd_"
	Escrow      = "esc_"
	LedgerEntry = "led_"
	Alert       = "rca_"
	Event       = "evt_"
)

// WithPrefix returns prefix followed by 24 hex chars of a fresh v4 UUID,
// e.g. WithPrefix(Trade).
func WithPrefix(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + raw[:24]
}

// Hex returns numBytes random bytes hex-encoded. Used for simulated
// transaction hashes.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
