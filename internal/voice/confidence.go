package voice

import "strings"

// DefaultConfidenceThreshold gates speculative LLM starts.
const DefaultConfidenceThreshold = 0.85

// Confidence scores how likely an interim transcript is the complete
// utterance. Longer, punctuated, multi-word text scores higher.
func Confidence(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	score := 0.5
	if len(text) > 20 {
		score += 0.2
	}
	if len(text) > 50 {
		score += 0.1
	}
	if strings.ContainsRune(".!?", rune(text[len(text)-1])) {
		score += 0.2
	}
	words := len(strings.Fields(text))
	if words > 3 {
		score += 0.1
	}
	if words > 5 {
		score += 0.1
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// ShouldStartTTS decides whether the accumulated LLM text is worth
// speaking yet: a full sentence, or a long enough clause.
func ShouldStartTTS(text string) bool {
	if strings.ContainsAny(text, ".!?") {
		return true
	}
	if len(strings.Fields(text)) >= 5 && strings.ContainsAny(text, ",;:") {
		return true
	}
	return false
}

// prefixCompatible reports whether the normalized final transcript is a
// refinement of the normalized interim the LLM was started on: same
// leading tokens, possibly longer. A materially different final means
// the speculative stream answered the wrong question.
func prefixCompatible(interim, final string) bool {
	if interim == "" {
		return true
	}
	return strings.HasPrefix(final, interim)
}
