// Package relay runs a conversation turn end to end: normalized input in,
// provider reply out, with pipeline state and the interaction log updated
// along the way.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/clm-relay/internal/conversation"
	"github.com/ashureev/clm-relay/internal/domain"
	"github.com/ashureev/clm-relay/internal/llm"
	"github.com/ashureev/clm-relay/internal/normalize"
	"github.com/ashureev/clm-relay/internal/pipeline"
	"github.com/ashureev/clm-relay/internal/store"
)

// DefaultIdleDelay is how long a continuous session shows "speaking" after
// the reply was sent.
const DefaultIdleDelay = 500 * time.Millisecond

// ErrEmptyMessage is returned by Chat when the message is blank.
var ErrEmptyMessage = errors.New("message must not be empty")

// Generator produces replies with the currently selected provider.
type Generator interface {
	Generate(ctx context.Context, turns []domain.Turn) llm.Result
	Active() string
}

// Session is one continuous conversation: a stable id plus its history.
type Session struct {
	ID      string
	History *conversation.History
}

// NewSession starts a session with a random id and empty history.
func NewSession() *Session {
	return &Session{ID: uuid.NewString(), History: conversation.New()}
}

// TurnResult describes a completed turn.
type TurnResult struct {
	SessionID  string
	Transcript string
	Emotions   []domain.EmotionSignal
	Reply      string
	LatencyMs  float64
	Provider   string
	Outcome    llm.Outcome
	Err        error
}

// ChatRequest is a one-shot turn.
type ChatRequest struct {
	Message  string                 `json:"message"`
	Emotions []domain.EmotionSignal `json:"emotions"`
}

// ChatResponse is the reply to a one-shot turn.
type ChatResponse struct {
	Response         string                 `json:"response"`
	LatencyMs        float64                `json:"latency_ms"`
	EmotionsDetected []domain.EmotionSignal `json:"emotions_detected"`
	Provider         string                 `json:"llm_provider"`
}

// Options configures a Service.
type Options struct {
	IdleDelay time.Duration
	Logger    *slog.Logger
}

// Service is the relay core shared by the WebSocket and HTTP surfaces.
type Service struct {
	gen       Generator
	tracker   *pipeline.Tracker
	repo      store.Repository
	idleDelay time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the relay core. A negative IdleDelay selects the default.
func NewService(gen Generator, tracker *pipeline.Tracker, repo store.Repository, opts Options) *Service {
	if opts.IdleDelay < 0 {
		opts.IdleDelay = DefaultIdleDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		gen:       gen,
		tracker:   tracker,
		repo:      repo,
		idleDelay: opts.IdleDelay,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// HandleMessage processes one inbound frame of a continuous session. It
// returns nil, with no side effects, when the payload holds no transcript.
// The caller sends the reply and then calls Settle.
func (s *Service) HandleMessage(ctx context.Context, sess *Session, payload map[string]any) *TurnResult {
	in := normalize.Extract(payload)
	if in.Empty() {
		return nil
	}
	return s.turn(ctx, sess.ID, sess.History, in.Transcript, in.Emotions)
}

// Chat runs a one-shot turn against a fresh single-turn history. The
// session's state is back at idle when Chat returns.
func (s *Service) Chat(ctx context.Context, sessionID string, req ChatRequest) (ChatResponse, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return ChatResponse{}, ErrEmptyMessage
	}

	res := s.turn(ctx, sessionID, conversation.New(), message, req.Emotions)
	s.tracker.Settle(sessionID)

	return ChatResponse{
		Response:         res.Reply,
		LatencyMs:        res.LatencyMs,
		EmotionsDetected: res.Emotions,
		Provider:         res.Provider,
	}, nil
}

// turn runs the stages transcribed -> thinking -> speaking. The provider
// call and the log write are detached from ctx cancellation, so a client
// that disconnects mid-turn does not abort them.
func (s *Service) turn(ctx context.Context, sessionID string, history *conversation.History, transcript string, emotions []domain.EmotionSignal) *TurnResult {
	ctx = context.WithoutCancel(ctx)
	emotions = domain.CloneEmotions(emotions)

	s.tracker.Update(sessionID, func(st *domain.PipelineState) {
		st.Stage = domain.StageTranscribed
		st.Transcript = transcript
		st.Emotions = domain.CloneEmotions(emotions)
		st.Timestamp = s.now()
	})

	log := s.logger.With("session_id", sessionID)
	log.Info("Transcript received", "transcript", transcript)
	if len(emotions) > 0 {
		log.Info("Top emotions", "emotions", domain.FormatEmotions(domain.TopEmotions(emotions, domain.LogEmotionCount)))
	}

	history.Append(domain.UserTurn(EnrichContent(transcript, emotions)))

	s.tracker.Update(sessionID, func(st *domain.PipelineState) {
		st.Stage = domain.StageThinking
	})
	start := time.Now()
	result := s.gen.Generate(ctx, history.Turns())
	latency := RoundLatency(time.Since(start))

	history.Append(domain.AssistantTurn(result.Text))

	state := s.tracker.Update(sessionID, func(st *domain.PipelineState) {
		st.Stage = domain.StageSpeaking
		st.Response = result.Text
		st.LatencyMs = &latency
	})

	rec := domain.InteractionRecord{PipelineState: state, SessionID: sessionID, Provider: result.Provider}
	if err := s.repo.AppendInteraction(ctx, rec); err != nil {
		log.Error("Failed to record interaction", "error", err)
	}

	log.Info("Reply generated",
		"provider", result.Provider,
		"outcome", string(result.Outcome),
		"latency_ms", latency,
	)

	return &TurnResult{
		SessionID:  sessionID,
		Transcript: transcript,
		Emotions:   emotions,
		Reply:      result.Text,
		LatencyMs:  latency,
		Provider:   result.Provider,
		Outcome:    result.Outcome,
		Err:        result.Err,
	}
}

// Settle waits for the idle delay and then returns the session to idle.
// It returns early, leaving the state alone, if ctx is cancelled first.
func (s *Service) Settle(ctx context.Context, sessionID string) {
	if s.idleDelay > 0 {
		timer := time.NewTimer(s.idleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
	}
	s.tracker.Settle(sessionID)
}

// Release drops the session's pipeline state.
func (s *Service) Release(sessionID string) {
	s.tracker.Release(sessionID)
}

// Status returns the session's state with the active provider. An empty
// sessionID selects the most recently updated session.
func (s *Service) Status(sessionID string) domain.InteractionRecord {
	var state domain.PipelineState
	if sessionID == "" {
		sessionID, state, _ = s.tracker.Latest()
	} else {
		state, _ = s.tracker.Snapshot(sessionID)
	}
	return domain.InteractionRecord{
		PipelineState: state,
		SessionID:     sessionID,
		Provider:      s.gen.Active(),
	}
}

// Provider returns the active provider name.
func (s *Service) Provider() string {
	return s.gen.Active()
}

// History returns every completed interaction in order.
func (s *Service) History(ctx context.Context) ([]domain.InteractionRecord, error) {
	records, err := s.repo.ListInteractions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	return records, nil
}

// Reset returns every session to idle and empties the interaction log.
// Conversation histories of live connections are not touched.
func (s *Service) Reset(ctx context.Context) error {
	s.tracker.Reset()
	n, err := s.repo.ClearInteractions(ctx)
	if err != nil {
		return fmt.Errorf("clear interactions: %w", err)
	}
	s.logger.Info("Pipeline reset", "interactions_cleared", n)
	return nil
}

// EnrichContent appends the top emotions to the transcript in the form the
// model is told to expect. Without emotions the transcript is returned as is.
func EnrichContent(transcript string, emotions []domain.EmotionSignal) string {
	if len(emotions) == 0 {
		return transcript
	}
	top := domain.TopEmotions(emotions, domain.PromptEmotionCount)
	return transcript + "\n[Voice emotion analysis: " + domain.FormatEmotions(top) + "]"
}

// RoundLatency converts d to milliseconds rounded to one decimal place.
func RoundLatency(d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	return math.Round(ms*10) / 10
}
