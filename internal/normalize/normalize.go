// Package normalize canonicalizes free-form identifiers before any hashing
// or lookup. Client-side encoding differences (digit scripts, zero-width
// marks, composition forms) must never fracture identity.
package normalize

import (
	"strings"
	"unicode"

	"github.com/punchamoorthee/allocops/internal/domain"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// zeroWidth covers the invisible code points commonly pasted into
// human-entered identifiers: ZWSP, ZWNJ, ZWJ, word joiner, BOM, soft hyphen.
var zeroWidth = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x00ad, Hi: 0x00ad, Stride: 1},
		{Lo: 0x200b, Hi: 0x200d, Stride: 1},
		{Lo: 0x2060, Hi: 0x2060, Stride: 1},
		{Lo: 0xfeff, Hi: 0xfeff, Stride: 1},
	},
}

var canonicalizer = transform.Chain(
	norm.NFC,
	runes.Remove(runes.In(zeroWidth)),
	runes.Map(foldDigit),
	norm.NFC,
)

// foldDigit maps any Unicode decimal digit to its ASCII equivalent. Decimal
// digits (category Nd) always occur in contiguous 0..9 runs, so the zero of
// a digit's run is found by rounding down to the start of its decade.
func foldDigit(r rune) rune {
	if r < 0x80 || !unicode.Is(unicode.Nd, r) {
		return r
	}
	for _, rng := range unicode.Nd.R16 {
		if r >= rune(rng.Lo) && r <= rune(rng.Hi) {
			zero := rune(rng.Lo) + (r-rune(rng.Lo))/10*10
			return '0' + (r - zero)
		}
	}
	for _, rng := range unicode.Nd.R32 {
		if r >= rune(rng.Lo) && r <= rune(rng.Hi) {
			zero := rune(rng.Lo) + (r-rune(rng.Lo))/10*10
			return '0' + (r - zero)
		}
	}
	return r
}

// Normalize returns the canonical form of s. It is idempotent:
// Normalize(Normalize(x)) == Normalize(x).
func Normalize(s string) string {
	out, _, err := transform.String(canonicalizer, s)
	if err != nil {
		// The chain only removes or maps runes; invalid UTF-8 is replaced
		// rather than failing, so err stays nil in practice.
		out = s
	}
	return strings.TrimSpace(out)
}

// Required normalizes s and rejects values that are empty once the invisible
// characters are gone.
func Required(field, s string) (string, error) {
	out := Normalize(s)
	if out == "" {
		return "", &domain.ValidationError{Field: field, Msg: "empty after normalization"}
	}
	return out, nil
}
