package ingest

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// ratingPattern matches explicit self-ratings like "4/5" or "3 / 5".
var ratingPattern = regexp.MustCompile(`\b([1-5])\s*/\s*5\b`)

var sentimentWords = map[string]int{
	"great": 5, "awesome": 5, "amazing": 5,
	"good": 4, "nice": 4, "done": 4,
	"okay": 3, "ok": 3, "fine": 3,
	"hard": 2, "tired": 2, "struggling": 2,
	"bad": 1, "failed": 1, "skip": 1,
}

// NewHeuristicAnalyzer returns the built-in analyzer: explicit N/5 ratings
// win, otherwise a coarse sentiment word scan. No network, never fails.
func NewHeuristicAnalyzer() Analyzer {
	return AnalyzerFunc(func(_ context.Context, text string) (Analysis, error) {
		rating := 0
		if m := ratingPattern.FindStringSubmatch(text); m != nil {
			rating, _ = strconv.Atoi(m[1])
		} else {
			lower := strings.ToLower(text)
			for w, r := range sentimentWords {
				if strings.Contains(lower, w) {
					if rating == 0 || r > rating {
						rating = r
					}
				}
			}
		}

		insights, _ := json.Marshal(struct {
			Rating int `json:"rating,omitempty"`
			Words  int `json:"words"`
		}{Rating: rating, Words: len(strings.Fields(text))})

		return Analysis{Rating: rating, Insights: string(insights)}, nil
	})
}
