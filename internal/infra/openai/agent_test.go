package openai

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/exam-rag/internal/core/generation"
	"github.com/jinford/exam-rag/internal/core/knowledge"
)

// stubCompleter は固定の応答を返し、受け取ったリクエストを記録する
type stubCompleter struct {
	response string
	err      error
	requests []ChatRequest
}

func (s *stubCompleter) CompleteJSON(ctx context.Context, req ChatRequest) (string, error) {
	s.requests = append(s.requests, req)
	return s.response, s.err
}

func testChunk(content string, page int) *knowledge.Chunk {
	return &knowledge.Chunk{
		ID:             uuid.New(),
		Content:        content,
		Kind:           knowledge.SourceKindTextbook,
		SourceFilename: "net.pdf",
		Metadata:       map[string]any{"source_page": float64(page)},
	}
}

func TestDrafter_Draft(t *testing.T) {
	stub := &stubCompleter{response: `{
		"question": " Which segment completes the TCP handshake? ",
		"options": {"a": "SYN", "b": "SYN-ACK", "c": "ACK", "d": "FIN"},
		"answer": "c",
		"explanation": "The client replies with ACK (net.pdf p.12).",
		"cognitive_level": "Recall",
		"distractor_reasoning": [{"option": "A", "reason": "opens the handshake"}],
		"source_references": ["net.pdf p.12"]
	}`}
	drafter := NewDrafter(stub)

	q, err := drafter.Draft(context.Background(), generation.DraftInput{
		Topic:      "TCP handshake",
		Difficulty: generation.DifficultyMedium,
		Brief:      generation.BriefFromFacts("TCP handshake", []*knowledge.Chunk{testChunk("SYN, SYN-ACK, ACK", 12)}),
		Avoid:      []string{"What does SYN stand for?"},
	})

	require.NoError(t, err)
	assert.Equal(t, "Which segment completes the TCP handshake?", q.Stem)
	assert.Equal(t, "C", q.Answer)
	assert.Equal(t, "ACK", q.Options["C"])
	assert.Equal(t, generation.CognitiveRecall, q.CognitiveLevel)
	assert.True(t, q.StructuralChecks()[generation.CheckAnswerKeyValid].Passed)

	require.Len(t, stub.requests, 1)
	req := stub.requests[0]
	assert.Equal(t, "draft", req.Operation)
	assert.Equal(t, DraftTemperature, req.Temperature)
	assert.Contains(t, req.User, "net.pdf p.12")
	assert.Contains(t, req.User, "What does SYN stand for?")
	assert.Contains(t, req.User, "no exam paper available")
}

func TestDrafter_Revision(t *testing.T) {
	stub := &stubCompleter{response: `{"question": "Q?", "options": {"A": "1", "B": "2", "C": "3", "D": "4"}, "answer": "A"}`}
	drafter := NewDrafter(stub)

	_, err := drafter.Draft(context.Background(), generation.DraftInput{
		Topic:    "TCP",
		Previous: &generation.Question{Stem: "Old question?"},
		Feedback: []string{"distractor B is implausible"},
		Style: &knowledge.StyleProfile{
			SourceFilename: "exam-2023.pdf",
			Profile:        knowledge.StylePayload{Tone: "formal"},
		},
	})

	require.NoError(t, err)
	req := stub.requests[0]
	assert.Equal(t, "revise", req.Operation)
	assert.Equal(t, RevisionTemperature, req.Temperature)
	assert.Contains(t, req.User, "Old question?")
	assert.Contains(t, req.User, "distractor B is implausible")
	assert.Contains(t, req.User, "Tone: formal")
}

func TestDrafter_RejectsEmptyQuestion(t *testing.T) {
	drafter := NewDrafter(&stubCompleter{response: `{"question": "  "}`})

	_, err := drafter.Draft(context.Background(), generation.DraftInput{Topic: "TCP"})
	assert.ErrorIs(t, err, ErrInvalidResponseFormat)
	assert.NotErrorIs(t, err, generation.ErrCollaboratorFatal)
}

func TestCritic_Critique(t *testing.T) {
	tests := []struct {
		name         string
		response     string
		wantApproved bool
		wantScore    float64
		wantIssues   int
	}{
		{
			name:         "approved",
			response:     `{"approved": true, "score": 8, "checks": {"factual_grounding": {"passed": true, "notes": "ok"}}}`,
			wantApproved: true,
			wantScore:    8,
		},
		{
			name:         "score is clamped",
			response:     `{"approved": true, "score": 14}`,
			wantApproved: true,
			wantScore:    10,
		},
		{
			name:       "rejection with passing score is kept",
			response:   `{"approved": false, "score": 8, "issues": ["Option B is also a correct answer"], "checks": {"single_correct_answer": {"passed": true}}}`,
			wantScore:  8,
			wantIssues: 1,
		},
		{
			name:      "unapproved without reasons",
			response:  `{"approved": false, "score": 7}`,
			wantScore: 7,
		},
		{
			name:      "approval below the minimum is withdrawn",
			response:  `{"approved": true, "score": 4}`,
			wantScore: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			critic := NewCritic(&stubCompleter{response: tt.response})

			got, err := critic.Critique(context.Background(), generation.CritiqueInput{
				Candidate: &generation.Question{Stem: "Q?"},
				MinScore:  6,
			})

			require.NoError(t, err)
			assert.Equal(t, tt.wantApproved, got.Approved)
			assert.Equal(t, tt.wantScore, got.Score)
			assert.Len(t, got.Issues, tt.wantIssues)
		})
	}
}

func TestCritic_PromptListsRequiredChecks(t *testing.T) {
	stub := &stubCompleter{response: `{"approved": true, "score": 8}`}
	_, err := NewCritic(stub).Critique(context.Background(), generation.CritiqueInput{Candidate: &generation.Question{}})
	require.NoError(t, err)

	for _, name := range generation.RequiredChecks {
		assert.Contains(t, stub.requests[0].User, name)
	}
	assert.Equal(t, CritiqueTemperature, stub.requests[0].Temperature)
}

func TestAgents_FatalErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantFatal bool
	}{
		{name: "budget", err: fmt.Errorf("wrapped: %w", ErrBudgetExceeded), wantFatal: true},
		{name: "unauthorized", err: ErrUnauthorized, wantFatal: true},
		{name: "transient", err: errors.New("connection reset"), wantFatal: false},
		{name: "circuit open", err: ErrCircuitOpen, wantFatal: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			critic := NewCritic(&stubCompleter{err: tt.err})
			_, err := critic.Critique(context.Background(), generation.CritiqueInput{Candidate: &generation.Question{}})

			require.Error(t, err)
			assert.Equal(t, tt.wantFatal, errors.Is(err, generation.ErrCollaboratorFatal))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestResearcher_Research(t *testing.T) {
	stub := &stubCompleter{response: `{
		"summary": "Connection setup",
		"core_facts": [{"fact": "Handshake has three steps", "importance": "high", "source": "net.pdf p.12"}]
	}`}

	brief, err := NewResearcher(stub).Research(context.Background(), generation.ResearchInput{
		Topic: "TCP handshake",
		Facts: []*knowledge.Chunk{testChunk("SYN, SYN-ACK, ACK", 12)},
	})

	require.NoError(t, err)
	assert.Equal(t, "TCP handshake", brief.Topic)
	assert.Len(t, brief.CoreFacts, 1)
	assert.Contains(t, stub.requests[0].User, "[1] (net.pdf p.12)")

	_, err = NewResearcher(&stubCompleter{response: `{"summary": "x"}`}).Research(context.Background(), generation.ResearchInput{Topic: "TCP"})
	assert.ErrorIs(t, err, ErrInvalidResponseFormat)
}

func TestStyleAnalyzer_Extract(t *testing.T) {
	stub := &stubCompleter{response: `{"tone": "formal", "question_stems": ["Which of the following"], "option_count": 0}`}

	payload, err := NewStyleAnalyzer(stub).Extract(context.Background(), "exam-2023.pdf",
		[]*knowledge.Chunk{testChunk("Q1. Which of the following ...", 1), testChunk("Q2. ...", 2)},
		[]string{"tcp"})

	require.NoError(t, err)
	assert.Equal(t, "formal", payload.Tone)
	assert.Equal(t, 2, payload.ChunkCount)
	assert.Equal(t, 4, payload.OptionCount)
	assert.Contains(t, stub.requests[0].User, "exam-2023.pdf")
}

func TestTopicExtractor_ExtractTopics(t *testing.T) {
	stub := &stubCompleter{response: `{"topics": ["TCP three-way handshake", "", "a very long topic name that goes on far beyond any sensible limit", "Subnet masks"]}`}

	names, err := NewTopicExtractor(stub).ExtractTopics(context.Background(), "net.pdf", []*knowledge.Chunk{testChunk("...", 1)})

	require.NoError(t, err)
	assert.Equal(t, []string{"TCP three-way handshake", "Subnet masks"}, names)

	_, err = NewTopicExtractor(&stubCompleter{response: `{"topics": []}`}).ExtractTopics(context.Background(), "net.pdf", nil)
	assert.ErrorIs(t, err, ErrInvalidResponseFormat)
}
