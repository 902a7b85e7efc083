package canon

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// PII masking patterns. Conservative on purpose: a CAD prompt is full of
// bare dimension numbers, so phone/card matches require explicit
// separators or a leading plus.
var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	cardRe  = regexp.MustCompile(`\b(?:\d{4}[ \-]){3}\d{4}\b|\b\d{16}\b`)
	ssnRe   = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	phoneRe = regexp.MustCompile(`\+\d{10,14}\b|\b\(\d{3}\)[ ]?\d{3}[\-.]\d{4}\b|\b\d{3}[\-.]\d{3}[\-.]\d{4}\b`)
)

// CanonicalizePrompt produces the canonical form of free prompt text:
// NFKC + whitespace collapse, lowercased outside quoted spans, then PII
// replaced by placeholders.
func CanonicalizePrompt(s string) string {
	s = NormalizeString(s)
	s = lowercaseOutsideQuotes(s)
	s = maskPII(s)
	return s
}

// maskPII replaces personally identifying substrings with placeholders.
// Card and SSN run before phone so the narrower patterns win.
func maskPII(s string) string {
	s = emailRe.ReplaceAllString(s, "[EMAIL]")
	s = cardRe.ReplaceAllString(s, "[CARD]")
	s = ssnRe.ReplaceAllString(s, "[SSN]")
	s = phoneRe.ReplaceAllString(s, "[PHONE]")
	return s
}

var placeholders = []string{"[EMAIL]", "[CARD]", "[SSN]", "[PHONE]"}

// lowercaseOutsideQuotes lowercases every rune not inside a quoted span.
// Both quote styles pair independently: a double quote inside a
// single-quoted span is literal, and vice versa. Mask placeholders pass
// through untouched so canonicalizing twice yields the same text.
func lowercaseOutsideQuotes(s string) string {
	var out strings.Builder
	out.Grow(len(s))
	var inSingle, inDouble bool
	for i := 0; i < len(s); {
		if !inSingle && !inDouble {
			if p := placeholderAt(s[i:]); p != "" {
				out.WriteString(p)
				i += len(p)
				continue
			}
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			out.WriteRune(r)
		case r == '"' && !inSingle:
			inDouble = !inDouble
			out.WriteRune(r)
		case inSingle || inDouble:
			out.WriteRune(r)
		default:
			out.WriteRune(toLowerRune(r))
		}
		i += size
	}
	return out.String()
}

func placeholderAt(s string) string {
	for _, p := range placeholders {
		if strings.HasPrefix(s, p) {
			return p
		}
	}
	return ""
}

func toLowerRune(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	// Non-ASCII case folding is locale-sensitive (Turkish dotless i), so
	// only ASCII letters fold; other scripts pass through untouched.
	return r
}
