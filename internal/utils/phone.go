package utils

import (
	"regexp"
	"strings"
)

// e164 is the post-normalization shape every stored phone must satisfy.
var e164 = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// NormalizePhone strips formatting characters and rewrites Russian national
// forms (8XXXXXXXXXX, 7XXXXXXXXXX) to the +7 international form. It returns
// the normalized number and whether it passes the E.164 shape check.
func NormalizePhone(raw string) (string, bool) {
	var b strings.Builder
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
			// formatting noise
		default:
			return raw, false
		}
	}
	p := b.String()

	if len(p) == 11 && strings.HasPrefix(p, "8") {
		p = "+7" + p[1:]
	} else if len(p) == 11 && strings.HasPrefix(p, "7") {
		p = "+" + p
	}

	return p, e164.MatchString(p)
}
