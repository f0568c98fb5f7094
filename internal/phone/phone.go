// Package phone converts stored phone numbers into transport chat addresses.
package phone

import (
	"regexp"
	"strings"
)

// Suffix is the chat-address suffix for one-to-one chats.
const Suffix = "@c.us"

// DefaultCountryCode is used when no country code is configured.
const DefaultCountryCode = "63"

var (
	nonDigits   = regexp.MustCompile(`\D`)
	addressExpr = regexp.MustCompile(`^\d{10,15}` + regexp.QuoteMeta(Suffix) + `$`)
)

// Canonicalize turns a stored phone (with or without suffix, punctuation or
// a national trunk prefix) into a chat address:
//
//	"09171234567"   -> "639171234567@c.us"
//	"9171234567"    -> "639171234567@c.us"
//	"+63 917 123 4567" -> "639171234567@c.us"
func Canonicalize(raw, countryCode string) string {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	digits := Digits(strings.TrimSuffix(strings.TrimSpace(raw), Suffix))
	switch {
	case strings.HasPrefix(digits, "0"):
		digits = countryCode + digits[1:]
	case len(digits) == 10:
		digits = countryCode + digits
	}
	return digits + Suffix
}

// Digits strips everything but ASCII digits.
func Digits(s string) string { return nonDigits.ReplaceAllString(s, "") }

// Normalize is the store-side rule: trim and append the suffix when missing.
func Normalize(input string) string {
	s := strings.TrimSpace(input)
	if s == "" || strings.HasSuffix(s, Suffix) {
		return s
	}
	return s + Suffix
}

// Valid reports whether address is a canonical chat address.
func Valid(address string) bool { return addressExpr.MatchString(address) }

// User returns the digits of a chat address without the suffix.
func User(address string) string { return strings.TrimSuffix(address, Suffix) }
