package resolve

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are dropped from the end of normalized names. Multi-word
// forms come first so they win over their single-word tails.
var legalSuffixes = []string{
	"limited liability company",
	"limited",
	"ltd",
	"inc",
	"llc",
	"plc",
	"corp",
	"co",
	"company",
	"gmbh",
	"ag",
	"sa",
	"sas",
	"sarl",
	"pty",
	"pvt",
	"private",
	"bv",
	"nv",
}

func stripMarks(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// NormalizeName folds a company name into its comparison form: ASCII,
// lowercase, alphanumerics only, legal suffixes removed.
func NormalizeName(name string) string {
	s := strings.ToLower(stripMarks(name))
	s = strings.ReplaceAll(s, "&", " and ")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	words := strings.Fields(b.String())

	for len(words) > 1 {
		trimmed := false
		for _, suffix := range legalSuffixes {
			sw := strings.Fields(suffix)
			if len(sw) >= len(words) {
				continue
			}
			if strings.Join(words[len(words)-len(sw):], " ") == suffix {
				words = words[:len(words)-len(sw)]
				trimmed = true
				break
			}
		}
		if !trimmed {
			break
		}
	}
	return strings.Join(words, " ")
}

// NormalizeDomain strips scheme, www prefix, port and path from a URL or host.
func NormalizeDomain(raw string) string {
	d := strings.ToLower(strings.TrimSpace(raw))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "www.")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.IndexByte(d, ':'); i >= 0 {
		d = d[:i]
	}
	return d
}

// tokens returns the words of a normalized name longer than two letters.
func tokens(normalized string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(normalized) {
		if len(w) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}

func shareToken(a, b string) bool {
	ta := tokens(a)
	for w := range tokens(b) {
		if _, ok := ta[w]; ok {
			return true
		}
	}
	return false
}
