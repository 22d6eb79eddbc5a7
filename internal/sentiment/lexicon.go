package sentiment

import (
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

type wordSet map[string]struct{}

func newWordSet(words ...string) wordSet {
	s := make(wordSet, len(words))
	for _, w := range words {
		s[w] = struct{}{}
	}
	return s
}

var (
	bullishWords = newWordSet("bullish", "rally", "surge", "gains", "growth", "breakout", "momentum",
		"outperform", "upgrade", "buy", "strong", "positive", "rising", "bull")
	bearishWords = newWordSet("bearish", "crash", "plunge", "decline", "drop", "fall", "weakness",
		"underperform", "downgrade", "sell", "negative", "falling", "bear")
	volatilityWords = newWordSet("volatile", "uncertainty", "risk", "unstable", "swing", "fluctuate",
		"turbulent", "erratic", "wild", "choppy")
	momentumWords = newWordSet("momentum", "acceleration", "velocity", "trend", "direction", "force",
		"strength", "power", "drive", "push")
	highRiskWords = newWordSet("crash", "plunge", "volatile", "uncertain", "risk", "danger",
		"warning", "concern", "problem", "issue", "trouble")
	risingWords  = newWordSet("accelerating", "increasing", "growing", "rising", "climbing")
	fallingWords = newWordSet("decelerating", "decreasing", "slowing", "falling", "dropping")
	negators     = newWordSet("not", "no", "never", "without", "hardly", "isn't", "wasn't", "don't", "doesn't")
)

// polarity is a general-purpose opinion lexicon scored in [-1, 1].
var polarity = map[string]float64{
	"good": 0.7, "great": 0.8, "excellent": 1.0, "best": 1.0, "better": 0.5, "positive": 0.23,
	"strong": 0.43, "success": 0.6, "successful": 0.75, "win": 0.8, "record": 0.3, "beat": 0.4,
	"impressive": 1.0, "optimistic": 0.6, "confident": 0.5, "happy": 0.8, "profit": 0.4,
	"profitable": 0.5, "improve": 0.4, "improved": 0.4, "solid": 0.3, "robust": 0.4, "higher": 0.25,
	"bad": -0.7, "terrible": -1.0, "worst": -1.0, "worse": -0.4, "negative": -0.3, "weak": -0.38,
	"poor": -0.4, "loss": -0.4, "losses": -0.4, "fail": -0.5, "failed": -0.5, "failure": -0.5,
	"disappointing": -0.6, "miss": -0.4, "missed": -0.4, "fear": -0.6, "lower": -0.25,
	"pessimistic": -0.6, "concern": -0.3, "concerns": -0.3, "lawsuit": -0.5, "fraud": -0.8,
	"scandal": -0.7, "cut": -0.3, "layoffs": -0.5, "bankruptcy": -0.9, "slump": -0.5,
}

var themeWords = []struct {
	theme string
	words wordSet
}{
	{"earnings", newWordSet("earnings", "revenue")},
	{"partnerships", newWordSet("partnership", "partnerships", "deal")},
	{"regulatory", newWordSet("regulation", "regulatory", "legal")},
	{"analyst_rating", newWordSet("upgrade", "downgrade")},
}

// plainText strips markup from an article body. Bodies that fail to parse are used as-is.
func plainText(body string) string {
	if !strings.ContainsAny(body, "<>") {
		return body
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return body
	}
	doc.Find("script, style").Remove()
	return doc.Text()
}

// tokenize lower-cases text and splits it into words, keeping in-word apostrophes.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// hits counts token occurrences in set.
func hits(tokens []string, set wordSet) int {
	n := 0
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			n++
		}
	}
	return n
}

// distinct counts the members of set that occur at least once.
func distinct(tokens []string, set wordSet) int {
	seen := make(map[string]struct{})
	for _, t := range tokens {
		if _, ok := set[t]; ok {
			seen[t] = struct{}{}
		}
	}
	return len(seen)
}

// lexiconPolarity averages the polarity of opinion words, flipping a word preceded by a negator.
func lexiconPolarity(tokens []string) float64 {
	var sum float64
	var n int
	for i, t := range tokens {
		p, ok := polarity[t]
		if !ok {
			continue
		}
		if i > 0 {
			if _, neg := negators[tokens[i-1]]; neg {
				p = -p * 0.5
			}
		}
		sum += p
		n++
	}
	if n == 0 {
		return 0
	}
	return clamp(sum/float64(n), -1, 1)
}
