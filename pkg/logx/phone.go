package logx

import (
	"strings"

	"github.com/rs/zerolog"
)

// Phone logs a phone number or chat address with its middle digits masked.
// The server part of an address ("@c.us") is kept.
func Phone(k, v string) Field {
	return func(e *zerolog.Event) { e.Str(k, MaskPhone(v)) }
}

// MaskPhone keeps the first and last three characters of the user part.
func MaskPhone(v string) string {
	user, server, hasServer := strings.Cut(v, "@")
	n := len(user)
	var masked string
	switch {
	case n == 0:
		masked = ""
	case n <= 6:
		keep := min(2, n-1)
		masked = strings.Repeat("*", n-keep) + user[n-keep:]
	default:
		masked = user[:3] + strings.Repeat("*", n-6) + user[n-3:]
	}
	if hasServer {
		return masked + "@" + server
	}
	return masked
}
