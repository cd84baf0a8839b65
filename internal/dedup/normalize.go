package dedup

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// foldDiacritics strips combining marks from Latin bases so "Café" and
// "Cafe" compare equal. Marks on other scripts are kept: Thai tone and
// vowel marks are meaningful, not decoration.
func foldDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	latinBase := false
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			if latinBase {
				continue
			}
			b.WriteRune(r)
			continue
		}
		latinBase = unicode.Is(unicode.Latin, r)
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}

// normalizeName lowercases, folds diacritics, and collapses a venue name to
// space-separated alphanumeric tokens.
func normalizeName(s string) string {
	folded := strings.ToLower(foldDiacritics(s))

	var b strings.Builder
	b.Grow(len(folded))
	lastSpace := true
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) {
			b.WriteRune(r)
			lastSpace = false
		} else if !lastSpace {
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// nameTokens returns the normalized token set of a venue name.
func nameTokens(s string) []string {
	n := normalizeName(s)
	if n == "" {
		return nil
	}
	return strings.Fields(n)
}

// normalizePhone strips everything except digits. A leading "+" country
// prefix is dropped along with the punctuation, so "+66 53 123 456" and
// "053-123-456" still compare by digit suffix.
func normalizePhone(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// stripTrunkZero drops the leading domestic trunk zero, so "053 123 456"
// and "+66 53 123 456" reduce to a comparable digit string.
func stripTrunkZero(s string) string {
	if len(s) > 1 && s[0] == '0' {
		return s[1:]
	}
	return s
}

// phonesMatch compares two phone numbers after normalization. Numbers match
// when one's digit string is a suffix of the other (handles country codes
// and leading trunk zeroes).
func phonesMatch(a, b string) bool {
	na, nb := stripTrunkZero(normalizePhone(a)), stripTrunkZero(normalizePhone(b))
	if na == "" || nb == "" {
		return false
	}
	if len(na) < 7 || len(nb) < 7 {
		return na == nb
	}
	if len(na) > len(nb) {
		na, nb = nb, na
	}
	return strings.HasSuffix(nb, na)
}

// normalizeAddress applies the same folding as names; addresses match only
// on full normalized equality.
func normalizeAddress(s string) string {
	return normalizeName(s)
}
