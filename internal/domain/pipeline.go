package domain

import "time"

// Stage describes where the current turn is in its lifecycle. It exists for
// external display only.
type Stage string

const (
	StageIdle        Stage = "idle"
	StageListening   Stage = "listening"
	StageTranscribed Stage = "transcribed"
	StageThinking    Stage = "thinking"
	StageSpeaking    Stage = "speaking"
)

// PipelineState is the latest stage/transcript/response/emotions/latency of
// a session, exposed for polling.
type PipelineState struct {
	Stage      Stage           `json:"stage"`
	Transcript string          `json:"transcript"`
	Response   string          `json:"response"`
	Emotions   []EmotionSignal `json:"emotions"`
	Timestamp  time.Time       `json:"timestamp"`
	LatencyMs  *float64        `json:"latency_ms"`
}

// IdleState returns the initial pipeline state stamped with now.
func IdleState(now time.Time) PipelineState {
	return PipelineState{
		Stage:     StageIdle,
		Emotions:  []EmotionSignal{},
		Timestamp: now,
	}
}

// Clone returns a deep copy safe to hand out to readers.
func (s PipelineState) Clone() PipelineState {
	out := s
	out.Emotions = CloneEmotions(s.Emotions)
	if s.LatencyMs != nil {
		v := *s.LatencyMs
		out.LatencyMs = &v
	}
	return out
}

// InteractionRecord is a snapshot of a session's PipelineState taken when a
// turn completed.
type InteractionRecord struct {
	PipelineState
	SessionID string `json:"session_id"`
	Provider  string `json:"llm_provider"`
}
