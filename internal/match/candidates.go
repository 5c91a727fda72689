// Package match implements fuzzy customer matching and tiered statement row
// matching against an agency's transaction pool. Everything here is pure:
// no I/O, no logging, deterministic output regardless of pool order.
package match

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// DefaultMinScore is the floor below which candidates are not returned.
const DefaultMinScore = 70

// Candidate is a scored customer name, produced per matching attempt and
// never persisted.
type Candidate struct {
	Name     string
	Score    int
	Strategy string
}

// Strategy names reported on candidates and in match types.
const (
	StrategyExact        = "exact"
	StrategyReversed     = "reversed"
	StrategyBusiness     = "business"
	StrategyFirstWord    = "first-word"
	StrategyAllWords     = "all-words"
	StrategyNormContains = "contains-normalized"
	StrategyContains     = "contains"
	StrategyMostWords    = "most-words"
	StrategyRevContains  = "reverse-contains"
	StrategyStartsWith   = "starts-with"
)

// FindCandidates scores every name in the pool against the query and returns
// candidates at or above minScore, best first. The highest-scoring strategy
// wins per candidate; ties break by edit distance, then shortest name.
func FindCandidates(query string, pool []string, minScore int) []Candidate {
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	q := normalize(query)
	if q == "" {
		return nil
	}
	seen := make(map[string]bool, len(pool))
	var out []Candidate
	for _, name := range pool {
		key := normalize(name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		score, strategy := Score(query, name)
		if score >= minScore {
			out = append(out, Candidate{Name: name, Score: score, Strategy: strategy})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		di := levenshtein.ComputeDistance(q, normalize(out[i].Name))
		dj := levenshtein.ComputeDistance(q, normalize(out[j].Name))
		if di != dj {
			return di < dj
		}
		if len(out[i].Name) != len(out[j].Name) {
			return len(out[i].Name) < len(out[j].Name)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Score rates a single candidate name against the query. Strategies are not
// summed; the best one wins.
func Score(query, candidate string) (int, string) {
	q, c := normalize(query), normalize(candidate)
	if q == "" || c == "" {
		return 0, ""
	}

	best, strategy := 0, ""
	consider := func(score int, name string) {
		if score > best {
			best, strategy = score, name
		}
	}

	if q == c {
		return 100, StrategyExact
	}
	if reversedName(q) == c || reversedName(c) == q {
		consider(98, StrategyReversed)
	}

	qb, cb := businessNormalize(q), businessNormalize(c)
	if qb != "" && qb == cb {
		consider(95, StrategyBusiness)
	}

	qw, cw := strings.Fields(q), strings.Fields(c)
	if len(qw) > 0 && len(cw) > 0 && qw[0] == cw[0] {
		consider(90, StrategyFirstWord)
	}
	if sameWordSet(qw, cw) {
		consider(88, StrategyAllWords)
	}
	// Only when normalization changed a side; otherwise plain containment
	// below already covers it at its own score.
	if qb != "" && cb != "" && (qb != q || cb != c) && strings.Contains(cb, qb) {
		consider(85, StrategyNormContains)
	}
	if strings.Contains(c, q) {
		consider(83, StrategyContains)
	}
	if mostWordsMatch(qw, cw) {
		consider(82, StrategyMostWords)
	}
	if strings.Contains(q, c) {
		consider(80, StrategyRevContains)
	}
	if strings.HasPrefix(c, q) || strings.HasPrefix(q, c) {
		consider(75, StrategyStartsWith)
	}
	return best, strategy
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// reversedName converts "last, first [middle]" to "first [middle] last".
func reversedName(s string) string {
	last, rest, ok := strings.Cut(s, ",")
	if !ok {
		return ""
	}
	last = strings.TrimSpace(last)
	rest = strings.TrimSpace(rest)
	if last == "" || rest == "" {
		return ""
	}
	return rest + " " + last
}

var businessSuffixes = map[string]bool{
	"llc": true, "llp": true, "inc": true, "co": true, "corp": true,
	"ltd": true, "pllc": true, "pc": true, "pa": true,
	"company": true, "corporation": true, "incorporated": true, "limited": true,
}

// businessNormalize strips punctuation and legal-entity suffixes:
// "Smith L.L.C." and "Smith LLC" normalize identically.
func businessNormalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		}
	}
	words := strings.Fields(b.String())
	for len(words) > 0 && businessSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

func sameWordSet(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	set := make(map[string]int, len(a))
	for _, w := range a {
		set[w]++
	}
	for _, w := range b {
		if set[w] == 0 {
			return false
		}
		set[w]--
	}
	return true
}

// mostWordsMatch reports whether more than half of the query's words appear
// in the candidate.
func mostWordsMatch(q, c []string) bool {
	if len(q) < 2 {
		return false
	}
	set := make(map[string]bool, len(c))
	for _, w := range c {
		set[w] = true
	}
	hits := 0
	for _, w := range q {
		if set[w] {
			hits++
		}
	}
	return hits*2 > len(q)
}
