// Package normalize extracts a transcript and emotion signals from the loosely
// structured payloads sent by the voice front end.
//
// Every function here is total: unknown or malformed shapes degrade to an
// empty result instead of an error.
package normalize

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/ashureev/clm-relay/internal/domain"
)

const unknownEmotion = "unknown"

// Result is what the relay needs from one inbound payload.
type Result struct {
	Transcript string
	Emotions   []domain.EmotionSignal
}

// Empty reports whether the payload carried no utterance. Callers discard
// empty results silently.
func (r Result) Empty() bool {
	return r.Transcript == ""
}

// Extract returns the transcript and emotions found in payload.
func Extract(payload map[string]any) Result {
	return Result{
		Transcript: Transcript(payload),
		Emotions:   Emotions(payload),
	}
}

// Transcript applies the extraction rules in order: latest user entry of
// "messages", then "transcript", then "text". It returns "" when none match.
func Transcript(payload map[string]any) string {
	if text, ok := fromMessages(payload); ok {
		return text
	}
	if text, ok := payload["transcript"].(string); ok {
		return strings.TrimSpace(text)
	}
	if text, ok := payload["text"].(string); ok {
		return strings.TrimSpace(text)
	}
	return ""
}

// fromMessages scans the messages list backwards for the most recent user
// entry with usable content.
func fromMessages(payload map[string]any) (string, bool) {
	messages, ok := payload["messages"].([]any)
	if !ok {
		return "", false
	}
	for i := len(messages) - 1; i >= 0; i-- {
		entry, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		role, content := roleAndContent(entry)
		if role != string(domain.RoleUser) {
			continue
		}
		switch c := content.(type) {
		case string:
			return strings.TrimSpace(c), true
		case map[string]any:
			text, _ := c["text"].(string)
			return strings.TrimSpace(text), true
		}
	}
	return "", false
}

// roleAndContent reads role/content from the entry itself, falling back to a
// nested "message" envelope (the EVI user_message shape).
func roleAndContent(entry map[string]any) (string, any) {
	if role, ok := entry["role"].(string); ok {
		return role, entry["content"]
	}
	if inner, ok := entry["message"].(map[string]any); ok {
		role, _ := inner["role"].(string)
		return role, inner["content"]
	}
	return "", nil
}

// Emotions concatenates every emotion source in the payload. Repeated names
// from different sources are kept as separate signals.
func Emotions(payload map[string]any) []domain.EmotionSignal {
	emotions := []domain.EmotionSignal{}

	emotions = append(emotions, prosody(payload)...)
	if messages, ok := payload["messages"].([]any); ok {
		for _, m := range messages {
			if entry, ok := m.(map[string]any); ok {
				emotions = append(emotions, prosody(entry)...)
			}
		}
	}
	emotions = append(emotions, scoreMap(payload["emotion_features"])...)

	return emotions
}

// prosody reads models.prosody from a single object: the predictions list
// first, then the flat scores map.
func prosody(obj map[string]any) []domain.EmotionSignal {
	models, ok := obj["models"].(map[string]any)
	if !ok {
		return nil
	}
	block, ok := models["prosody"].(map[string]any)
	if !ok {
		return nil
	}

	var out []domain.EmotionSignal
	predictions, _ := block["predictions"].([]any)
	for _, p := range predictions {
		pred, ok := p.(map[string]any)
		if !ok {
			continue
		}
		list, _ := pred["emotions"].([]any)
		for _, e := range list {
			out = append(out, emotionObject(e))
		}
	}
	return append(out, scoreMap(block["scores"])...)
}

func emotionObject(v any) domain.EmotionSignal {
	signal := domain.EmotionSignal{Name: unknownEmotion}
	obj, ok := v.(map[string]any)
	if !ok {
		return signal
	}
	if name, ok := obj["name"].(string); ok {
		signal.Name = name
	}
	if score, ok := number(obj["score"]); ok {
		signal.Score = score
	}
	return signal
}

// scoreMap turns a name -> score mapping into signals ordered by name.
// Entries whose score is not numeric are skipped.
func scoreMap(v any) []domain.EmotionSignal {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]domain.EmotionSignal, 0, len(names))
	for _, name := range names {
		score, ok := number(m[name])
		if !ok {
			continue
		}
		out = append(out, domain.EmotionSignal{Name: name, Score: score})
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
