package similarity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

// DefaultThreshold is the Jaccard score at or above which two bodies
// count as the same post for risk purposes.
const DefaultThreshold = 0.86

var urlRe = regexp.MustCompile(`https?://\S+`)

// Normalize lowercases, strips URLs, drops @/# markers, maps every
// non-letter/non-digit rune to a space and keeps tokens of length >= 2.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = urlRe.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "@", "")
	s = strings.ReplaceAll(s, "#", "")
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, s)

	fields := strings.Fields(s)
	tokens := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			tokens = append(tokens, f)
		}
	}
	return strings.Join(tokens, " ")
}

// Fingerprint is the first 24 hex chars of SHA-256 over the normalized
// body. Used as a coarse lookup hint, never as an equality proof.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(Normalize(s)))
	return hex.EncodeToString(sum[:])[:24]
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(Normalize(s)) {
		set[tok] = struct{}{}
	}
	return set
}

// Similarity is the Jaccard index over the normalized token sets of a
// and b. An empty set on either side yields 0.
func Similarity(a, b string) float64 {
	sa, sb := tokenSet(a), tokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}
	inter := 0
	for tok := range sa {
		if _, ok := sb[tok]; ok {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	return float64(inter) / float64(union)
}

// TooSimilar reports whether candidate scores at or above threshold
// against any body in corpus.
func TooSimilar(candidate string, corpus []string, threshold float64) bool {
	for _, body := range corpus {
		if Similarity(candidate, body) >= threshold {
			return true
		}
	}
	return false
}
