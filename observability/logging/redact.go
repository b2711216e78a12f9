package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys emitted verbatim. Addresses and transaction hashes are public.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"user":      {},
	"stage":     {},
	"chain_id":  {},
	"token":     {},
	"target":    {},
	"tx_id":     {},
	"attempt":   {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged so an unset secret stays visibly unset.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// SecretSource describes where a secret came from without revealing it, e.g.
// "env:KEEPER_SIGNER_KEY" or "inline(64 chars)".
func SecretSource(envName, filePath, inline string) string {
	switch {
	case strings.TrimSpace(envName) != "":
		return "env:" + strings.TrimSpace(envName)
	case strings.TrimSpace(filePath) != "":
		return "file:" + strings.TrimSpace(filePath)
	case inline != "":
		return fmt.Sprintf("inline(%d chars)", len(inline))
	default:
		return "unset"
	}
}
