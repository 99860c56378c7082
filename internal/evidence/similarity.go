package evidence

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are dropped from supplier names before comparison
var legalSuffixes = map[string]bool{
	"inc": true, "incorporated": true, "llc": true, "ltd": true, "limited": true,
	"co": true, "corp": true, "corporation": true, "company": true,
	"gmbh": true, "sa": true, "srl": true, "bv": true, "plc": true, "pty": true,
}

var folder = cases.Fold()

// NormalizeName folds case, strips accents and punctuation and drops legal
// suffixes, so "Acme Supplies, Inc." and "ACME supplies" compare equal
func NormalizeName(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	stripped = folder.String(stripped)

	fields := strings.FieldsFunc(stripped, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	kept := fields[:0]
	for _, f := range fields {
		if !legalSuffixes[f] {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

// trigrams returns the padded character trigrams of a normalized name
func trigrams(s string) map[string]int {
	out := make(map[string]int)
	for _, word := range strings.Fields(s) {
		r := []rune("  " + word + " ")
		for i := 0; i+3 <= len(r); i++ {
			out[string(r[i:i+3])]++
		}
	}
	return out
}

// NameSimilarity is the Dice coefficient over character trigrams of the
// normalized names, in [0,1]
func NameSimilarity(a, b string) float64 {
	a, b = NormalizeName(a), NormalizeName(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	ta, tb := trigrams(a), trigrams(b)
	var total, shared int
	for g, n := range ta {
		total += n
		if m, ok := tb[g]; ok {
			shared += min(n, m)
		}
	}
	for _, n := range tb {
		total += n
	}
	if total == 0 {
		return 0
	}
	return 2 * float64(shared) / float64(total)
}
