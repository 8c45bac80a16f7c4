package voice

import (
	"context"
	"strings"
)

// Intent is a best-effort classification of the user's utterance, used
// to annotate the system prompt when confident enough.
type Intent struct {
	Name       string
	Context    string
	Confidence float64
}

// IntentAnalyzer is optional; a nil analyzer is skipped entirely.
type IntentAnalyzer interface {
	Analyze(ctx context.Context, text string) (Intent, error)
}

// KeywordIntentAnalyzer matches utterances against keyword groups. It is
// cheap enough to run inline on every turn.
type KeywordIntentAnalyzer struct {
	rules []keywordRule
}

type keywordRule struct {
	name     string
	context  string
	keywords []string
}

func NewKeywordIntentAnalyzer() *KeywordIntentAnalyzer {
	return &KeywordIntentAnalyzer{
		rules: []keywordRule{
			{name: "weather", context: "user asks about weather conditions", keywords: []string{"weather", "rain", "sunny", "temperature", "forecast"}},
			{name: "time", context: "user asks about time or schedule", keywords: []string{"time", "clock", "schedule", "when", "calendar"}},
			{name: "smalltalk", context: "casual conversation", keywords: []string{"hello", "hi ", "how are you", "thanks", "goodbye"}},
		},
	}
}

func (a *KeywordIntentAnalyzer) Analyze(_ context.Context, text string) (Intent, error) {
	lower := strings.ToLower(text)
	best := Intent{}
	for _, rule := range a.rules {
		hits := 0
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		conf := 0.6 + 0.2*float64(hits-1)
		if conf > 0.95 {
			conf = 0.95
		}
		if conf > best.Confidence {
			best = Intent{Name: rule.name, Context: rule.context, Confidence: conf}
		}
	}
	return best, nil
}
