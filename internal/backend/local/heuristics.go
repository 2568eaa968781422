package local

import (
	"sort"
	"strings"
	"unicode"
)

// summarize keeps the first two sentences, or the whole text when it is
// already short.
func summarize(content string) string {
	content = strings.TrimSpace(content)
	if len(content) <= 120 {
		return content
	}
	sentences := splitSentences(content)
	if len(sentences) <= 2 {
		return content
	}
	return strings.TrimSpace(sentences[0] + " " + sentences[1])
}

func splitSentences(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			out = append(out, strings.TrimSpace(s[start:i+1]))
			start = i + 1
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// topicBuckets drive classification. Order matters: ties resolve to the
// earlier bucket, and zero matches fall through to "general".
var topicBuckets = []struct {
	label string
	words []string
}{
	{"technology", []string{"software", "computer", "api", "server", "code", "network", "data", "ai", "model", "digital"}},
	{"finance", []string{"money", "market", "stock", "price", "bank", "invest", "revenue", "cost", "budget", "trading"}},
	{"health", []string{"health", "doctor", "patient", "medical", "disease", "treatment", "drug", "hospital", "symptom"}},
	{"sports", []string{"game", "team", "player", "score", "match", "season", "league", "coach", "win"}},
}

func classify(content string) string {
	words := tokenize(content)
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		seen[w] = true
	}

	best, bestCount := "general", 0
	for _, b := range topicBuckets {
		count := 0
		for _, w := range b.words {
			if seen[w] {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = b.label, count
		}
	}
	return best
}

var positiveWords = map[string]bool{
	"good": true, "great": true, "excellent": true, "happy": true, "love": true,
	"best": true, "wonderful": true, "fantastic": true, "amazing": true, "nice": true,
	"win": true, "success": true, "improved": true, "fast": true, "reliable": true,
}

var negativeWords = map[string]bool{
	"bad": true, "terrible": true, "awful": true, "sad": true, "hate": true,
	"worst": true, "horrible": true, "broken": true, "slow": true, "fail": true,
	"failure": true, "bug": true, "crash": true, "poor": true, "unreliable": true,
}

func sentiment(content string) string {
	pos, neg := 0, 0
	for _, w := range tokenize(content) {
		if positiveWords[w] {
			pos++
		}
		if negativeWords[w] {
			neg++
		}
	}
	switch {
	case pos > neg:
		return "positive"
	case neg > pos:
		return "negative"
	default:
		return "neutral"
	}
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "all": true, "can": true, "had": true, "her": true, "was": true,
	"one": true, "our": true, "out": true, "has": true, "have": true, "this": true,
	"that": true, "with": true, "they": true, "from": true, "will": true, "been": true,
	"were": true, "their": true, "what": true, "when": true, "which": true, "there": true,
}

// keywords returns the n most frequent non-stopword tokens, comma separated.
// Ties keep first-occurrence order so the output is deterministic.
func keywords(content string, n int) string {
	counts := make(map[string]int)
	var order []string
	for _, w := range tokenize(content) {
		if len(w) < 3 || stopwords[w] {
			continue
		}
		if counts[w] == 0 {
			order = append(order, w)
		}
		counts[w]++
	}
	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > n {
		order = order[:n]
	}
	return strings.Join(order, ", ")
}

// tokenize lowercases and splits on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
