package auth

import "strings"

// KeyPrefix is the prefix of every API key issued by the server.
const KeyPrefix = "tv_key_"

// KeyFromRequest extracts a key from X-API-Key or a bearer Authorization header.
func KeyFromRequest(header func(string) string) string {
	if key := header("X-API-Key"); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(header("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// LooksLikeKey reports whether s has the shape of an issued key.
func LooksLikeKey(s string) bool {
	return strings.HasPrefix(s, KeyPrefix) && len(s) > len(KeyPrefix)
}
