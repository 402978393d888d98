package domain

import (
	"fmt"
	"sort"
	"strings"
)

const (
	// LogEmotionCount is how many emotions are written to logs per turn.
	LogEmotionCount = 3
	// PromptEmotionCount is how many emotions are appended to the user prompt.
	PromptEmotionCount = 5
)

// EmotionSignal is a (label, confidence) pair detected in the user's voice by
// an upstream analyser. Scores are expected in [0,1] but are not enforced.
type EmotionSignal struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// TopEmotions returns at most k signals sorted by descending score.
// The input slice is not modified; equal scores keep their input order.
func TopEmotions(emotions []EmotionSignal, k int) []EmotionSignal {
	if k <= 0 || len(emotions) == 0 {
		return []EmotionSignal{}
	}
	sorted := make([]EmotionSignal, len(emotions))
	copy(sorted, emotions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	if len(sorted) > k {
		sorted = sorted[:k]
	}
	return sorted
}

// FormatEmotions renders signals as "name: 0.00, name: 0.00" in the given order.
func FormatEmotions(emotions []EmotionSignal) string {
	parts := make([]string, 0, len(emotions))
	for _, e := range emotions {
		parts = append(parts, fmt.Sprintf("%s: %.2f", e.Name, e.Score))
	}
	return strings.Join(parts, ", ")
}

// CloneEmotions returns a non-nil copy of emotions so it always encodes as a
// JSON array.
func CloneEmotions(emotions []EmotionSignal) []EmotionSignal {
	out := make([]EmotionSignal, len(emotions))
	copy(out, emotions)
	return out
}
