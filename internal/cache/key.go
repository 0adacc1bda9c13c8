// Package cache provides the content-addressed result cache.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ExecContext is the execution context a statement runs in. It is part
// of the cache key: the same SQL against a different database, schema,
// or warehouse is a different result.
type ExecContext struct {
	Database  string `json:"database,omitempty"`
	Schema    string `json:"schema,omitempty"`
	Warehouse string `json:"warehouse,omitempty"`
}

// Key derives the stable cache key for a statement. The key is the
// SHA-256 hex digest of the whitespace-normalized SQL plus the
// execution context, so two differently-phrased questions that
// generate identical SQL share an entry. Normalization is textual
// only: semantically identical but syntactically different statements
// intentionally get distinct keys.
func Key(sql string, execCtx ExecContext) string {
	h := sha256.New()
	h.Write([]byte(Normalize(sql)))
	h.Write([]byte{0})
	h.Write([]byte(execCtx.Database))
	h.Write([]byte{0})
	h.Write([]byte(execCtx.Schema))
	h.Write([]byte{0})
	h.Write([]byte(execCtx.Warehouse))
	return hex.EncodeToString(h.Sum(nil))
}

// Normalize collapses runs of whitespace and strips a trailing
// semicolon. Literals and identifiers are left untouched.
func Normalize(sql string) string {
	normalized := strings.Join(strings.Fields(sql), " ")
	normalized = strings.TrimSuffix(normalized, ";")
	return strings.TrimSpace(normalized)
}
