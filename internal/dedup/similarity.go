package dedup

import (
	"math"
	"strings"

	"github.com/JakeFAU/eu-tender-ingest/internal/textnorm"
)

// maxTitleRunes bounds the edit-distance matrix for long titles.
const maxTitleRunes = 256

// TitleSimilarity is the larger of normalised edit similarity and token Dice
// overlap of the folded titles. Either side empty scores 0.
func TitleSimilarity(a, b string) float64 {
	fa, fb := textnorm.Fold(a), textnorm.Fold(b)
	if fa == "" || fb == "" {
		return 0
	}
	return math.Max(editSimilarity(fa, fb), dice(strings.Fields(fa), strings.Fields(fb)))
}

// TokenSimilarity is the Dice coefficient of the distinct folded words.
func TokenSimilarity(a, b string) float64 {
	return dice(textnorm.Tokens(a), textnorm.Tokens(b))
}

// Jaccard is |A∩B| / |A∪B| over code sets.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, s := range b {
		if seen[s] {
			continue
		}
		seen[s] = true
		if set[s] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// ValueCloseness is 1 when the relative difference is within tolerance and
// falls linearly to 0 at cutoff.
func ValueCloseness(a, b, tolerance, cutoff float64) float64 {
	hi := math.Max(math.Abs(a), math.Abs(b))
	if hi == 0 {
		return 1
	}
	diff := math.Abs(a-b) / hi
	switch {
	case diff <= tolerance:
		return 1
	case diff >= cutoff:
		return 0
	default:
		return 1 - (diff-tolerance)/(cutoff-tolerance)
	}
}

func editSimilarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra) > maxTitleRunes {
		ra = ra[:maxTitleRunes]
	}
	if len(rb) > maxTitleRunes {
		rb = rb[:maxTitleRunes]
	}
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// levenshtein keeps two rows of the distance matrix.
func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func dice(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	other := make(map[string]bool, len(b))
	for _, s := range b {
		other[s] = true
	}
	inter := 0
	for s := range other {
		if set[s] {
			inter++
		}
	}
	return 2 * float64(inter) / float64(len(set)+len(other))
}
