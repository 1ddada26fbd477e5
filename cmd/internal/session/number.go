package session

import (
	"regexp"
	"strings"
)

// E.164: "+", a non-zero digit, then up to 14 more digits.
var numberRE = regexp.MustCompile(`^\+[1-9]\d{0,14}$`)

// CanonicalizeNumber validates a user-supplied number and returns its identity (digits only).
func CanonicalizeNumber(number string) (string, error) {
	number = strings.TrimSpace(number)
	if !numberRE.MatchString(number) {
		return "", ErrInvalidNumber
	}
	return number[1:], nil
}

// IdentityOf strips every non-digit from s. It is used for lookups, which accept
// both "+33612345678" and "33612345678".
func IdentityOf(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
