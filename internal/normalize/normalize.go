// Package normalize canonicalizes lead natural keys so that independent
// collectors observing the same prospect converge on one lead row.
package normalize

import (
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var foldCaser = cases.Fold()

// NaturalKey canonicalizes a raw identifier into the stored natural key.
// Emails are NFKC-normalized and case-folded, phone numbers are reduced to
// digits (keeping a leading +), and profile URLs lose their scheme, www
// prefix, query string, and trailing slash.
func NaturalKey(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", eris.New("normalize: empty natural key")
	}

	switch {
	case strings.Contains(s, "@") && !strings.Contains(s, "/"):
		return Email(s), nil
	case strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "www."):
		return ProfileURL(s)
	case isPhone(s):
		return Phone(s), nil
	default:
		return foldCaser.String(norm.NFKC.String(s)), nil
	}
}

// Email lowercases and unicode-normalizes an email address.
func Email(s string) string {
	return foldCaser.String(norm.NFKC.String(strings.TrimSpace(s)))
}

// Phone strips everything but digits, preserving a single leading +.
func Phone(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ProfileURL canonicalizes a social-profile URL to host/path form.
func ProfileURL(s string) (string, error) {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "https://" + s
	}
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return "", eris.Wrap(err, "normalize: parse profile url")
	}
	host := strings.ToLower(strings.TrimPrefix(u.Host, "www."))
	if host == "" {
		return "", eris.New("normalize: profile url has no host")
	}
	path := strings.TrimRight(u.Path, "/")
	return host + path, nil
}

func isPhone(s string) bool {
	digits := 0
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 7
}
