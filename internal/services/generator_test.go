package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"coursepilot/internal/canvas"
	"coursepilot/internal/config"
	"coursepilot/internal/models"
)

// recordingClient captures completion requests and plays back canned content.
type recordingClient struct {
	requests []openai.ChatCompletionRequest
	content  string
	err      error
}

func (r *recordingClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	r.requests = append(r.requests, req)
	if r.err != nil {
		return openai.ChatCompletionResponse{}, r.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: r.content}},
		},
	}, nil
}

// stubExtractor returns fixed text per URL.
type stubExtractor struct {
	texts map[string]string
}

func (s *stubExtractor) ExtractText(ctx context.Context, url string, cred canvas.Credential) string {
	return s.texts[url]
}

func testConfig() config.Config {
	return config.Config{
		GroqModel:       "test-model",
		MaxFilesPerCall: 5,
		MinContentChars: 200,
		MaxContentChars: 8000,
		MinExtractChars: 50,
	}
}

func fileRefs(urls ...string) []models.FileRef {
	var files []models.FileRef
	for _, u := range urls {
		files = append(files, models.FileRef{Name: u, URL: u})
	}
	return files
}

func TestGatherContext_InsufficientContentMakesNoLLMCall(t *testing.T) {
	llm := &recordingClient{content: "[]"}
	extractor := &stubExtractor{texts: map[string]string{
		"f1": strings.Repeat("x", 80), // above per-file floor, below aggregate floor
	}}
	gen := NewGeneratorWithClient(testConfig(), llm, extractor, zerolog.Nop())

	_, _, err := gen.GenerateFlashcards(context.Background(), canvas.Credential{}, "Week 1", fileRefs("f1"), 10)
	if !errors.Is(err, ErrInsufficientContent) {
		t.Fatalf("Expected ErrInsufficientContent, got %v", err)
	}
	if len(llm.requests) != 0 {
		t.Errorf("Expected zero LLM calls under the content gate, got %d", len(llm.requests))
	}
}

func TestGatherContext_SkipsThinFilesAndCapsCount(t *testing.T) {
	extractor := &stubExtractor{texts: map[string]string{
		"f1": strings.Repeat("a", 300),
		"f2": "too short",
		"f3": strings.Repeat("b", 300),
		"f4": strings.Repeat("c", 300),
		"f5": strings.Repeat("d", 300),
		"f6": strings.Repeat("e", 300),
		"f7": strings.Repeat("f", 300), // beyond the 5-file cap, with f2 still consuming a slot
	}}
	gen := NewGeneratorWithClient(testConfig(), &recordingClient{}, extractor, zerolog.Nop())

	mc, err := gen.GatherContext(context.Background(), canvas.Credential{},
		fileRefs("f1", "f2", "f3", "f4", "f5", "f6", "f7"))
	if err != nil {
		t.Fatalf("GatherContext failed: %v", err)
	}
	want := []string{"f1", "f3", "f4", "f5"}
	if len(mc.Sources) != len(want) {
		t.Fatalf("Expected sources %v, got %v", want, mc.Sources)
	}
	for i, name := range want {
		if mc.Sources[i] != name {
			t.Errorf("Source %d: expected %s, got %s", i, name, mc.Sources[i])
		}
	}
	if strings.Contains(mc.Text, "too short") {
		t.Error("Thin file text should not appear in the aggregate")
	}
}

func TestGatherContext_TruncatesAggregate(t *testing.T) {
	extractor := &stubExtractor{texts: map[string]string{
		"f1": strings.Repeat("x", 9000),
	}}
	gen := NewGeneratorWithClient(testConfig(), &recordingClient{}, extractor, zerolog.Nop())

	mc, err := gen.GatherContext(context.Background(), canvas.Credential{}, fileRefs("f1"))
	if err != nil {
		t.Fatalf("GatherContext failed: %v", err)
	}
	if len(mc.Text) != 8000+len("...") {
		t.Errorf("Expected aggregate truncated to 8003 chars, got %d", len(mc.Text))
	}
	if !strings.HasSuffix(mc.Text, "...") {
		t.Error("Expected truncation marker suffix")
	}
}

func TestGatherContext_TruncatesAtRuneBoundary(t *testing.T) {
	extractor := &stubExtractor{texts: map[string]string{
		"f1": strings.Repeat("ø", 9000), // two bytes per rune, so a byte cut would split one
	}}
	gen := NewGeneratorWithClient(testConfig(), &recordingClient{}, extractor, zerolog.Nop())

	mc, err := gen.GatherContext(context.Background(), canvas.Credential{}, fileRefs("f1"))
	if err != nil {
		t.Fatalf("GatherContext failed: %v", err)
	}
	if !utf8.ValidString(mc.Text) {
		t.Error("Expected truncation to preserve UTF-8 validity")
	}
	if len(mc.Text) > 8000+len("...") {
		t.Errorf("Expected at most 8003 bytes after truncation, got %d", len(mc.Text))
	}
	if !strings.HasSuffix(mc.Text, "...") {
		t.Error("Expected truncation marker suffix")
	}
}

func richExtractor() *stubExtractor {
	return &stubExtractor{texts: map[string]string{
		"f1": strings.Repeat("lecture content ", 50),
	}}
}

func TestGenerateFlashcards_ParsesFencedJSON(t *testing.T) {
	llm := &recordingClient{content: "```json\n[{\"question\":\"What is a mutex?\",\"answer\":\"A lock\",\"type\":\"definition\"}]\n```"}
	gen := NewGeneratorWithClient(testConfig(), llm, richExtractor(), zerolog.Nop())

	drafts, sources, err := gen.GenerateFlashcards(context.Background(), canvas.Credential{}, "Week 1", fileRefs("f1"), 1)
	if err != nil {
		t.Fatalf("GenerateFlashcards failed: %v", err)
	}
	if len(drafts) != 1 || drafts[0].Question != "What is a mutex?" {
		t.Errorf("Unexpected drafts: %+v", drafts)
	}
	if len(sources) != 1 || sources[0] != "f1" {
		t.Errorf("Unexpected sources: %v", sources)
	}
	if len(llm.requests) != 1 {
		t.Fatalf("Expected exactly one LLM call, got %d", len(llm.requests))
	}
	if got := llm.requests[0].Temperature; got != 0.7 {
		t.Errorf("Expected temperature 0.7 for flashcards, got %v", got)
	}
}

func TestGenerateFlashcards_ParsesProseWrappedArray(t *testing.T) {
	llm := &recordingClient{content: `Here are your cards:
[{"question":"Q1","answer":"A1","type":"concept"}]
Hope that helps!`}
	gen := NewGeneratorWithClient(testConfig(), llm, richExtractor(), zerolog.Nop())

	drafts, _, err := gen.GenerateFlashcards(context.Background(), canvas.Credential{}, "Week 1", fileRefs("f1"), 1)
	if err != nil {
		t.Fatalf("Expected bracket-slicing fallback to recover the array, got %v", err)
	}
	if len(drafts) != 1 || drafts[0].Answer != "A1" {
		t.Errorf("Unexpected drafts: %+v", drafts)
	}
}

func TestGenerateFlashcards_GarbageResponseCarriesRaw(t *testing.T) {
	llm := &recordingClient{content: "I cannot help with that."}
	gen := NewGeneratorWithClient(testConfig(), llm, richExtractor(), zerolog.Nop())

	_, _, err := gen.GenerateFlashcards(context.Background(), canvas.Credential{}, "Week 1", fileRefs("f1"), 1)
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("Expected GenerationError, got %v", err)
	}
	if !strings.Contains(genErr.Raw, "I cannot help") {
		t.Errorf("Expected raw response snippet preserved, got %q", genErr.Raw)
	}
}

func TestGenerateQuiz_RejectsBadLetters(t *testing.T) {
	llm := &recordingClient{content: `[
		{"question":"Q1","options":["a","b","c","d"],"correct_answer":"b"},
		{"question":"Q2","options":["a","b","c","d"],"correct_answer":"E"},
		{"question":"Q3","options":["a","b"],"correct_answer":"A"}
	]`}
	gen := NewGeneratorWithClient(testConfig(), llm, richExtractor(), zerolog.Nop())

	drafts, _, err := gen.GenerateQuiz(context.Background(), canvas.Credential{}, "Week 1", fileRefs("f1"), 3)
	if err != nil {
		t.Fatalf("GenerateQuiz failed: %v", err)
	}
	if len(drafts) != 1 {
		t.Fatalf("Expected 1 usable question, got %d", len(drafts))
	}
	if drafts[0].CorrectAnswer != "B" {
		t.Errorf("Expected answer letter uppercased, got %q", drafts[0].CorrectAnswer)
	}
}

func TestRecallQuestion_UsesHighTemperature(t *testing.T) {
	llm := &recordingClient{content: "Explain how a scheduler picks the next process."}
	gen := NewGeneratorWithClient(testConfig(), llm, richExtractor(), zerolog.Nop())

	question, _, err := gen.RecallQuestion(context.Background(), canvas.Credential{}, fileRefs("f1"))
	if err != nil {
		t.Fatalf("RecallQuestion failed: %v", err)
	}
	if question == "" {
		t.Fatal("Expected a question")
	}
	if got := llm.requests[0].Temperature; got != 0.9 {
		t.Errorf("Expected temperature 0.9 for recall questions, got %v", got)
	}
}

func TestGradeRecall(t *testing.T) {
	llm := &recordingClient{content: `{"score": 85, "feedback": "Solid answer.", "correct_answer": "Paging splits memory into fixed-size frames."}`}
	gen := NewGeneratorWithClient(testConfig(), llm, richExtractor(), zerolog.Nop())

	grade, err := gen.GradeRecall(context.Background(), canvas.Credential{}, fileRefs("f1"),
		"What is paging?", "Splitting memory into fixed frames.", "tough")
	if err != nil {
		t.Fatalf("GradeRecall failed: %v", err)
	}
	if grade.Score != 85 || !grade.Passed {
		t.Errorf("Unexpected grade: %+v", grade)
	}
	if grade.CorrectAnswer != "Paging splits memory into fixed-size frames." {
		t.Errorf("Expected model answer carried through, got %q", grade.CorrectAnswer)
	}
	if got := llm.requests[0].Temperature; got != 0.2 {
		t.Errorf("Expected temperature 0.2 for grading, got %v", got)
	}
	if !strings.Contains(llm.requests[0].Messages[0].Content, "strictly") {
		t.Errorf("Expected tough grading style in system prompt")
	}
}

func TestGradeRecall_ClampsScore(t *testing.T) {
	llm := &recordingClient{content: `{"score": 140, "feedback": "over-enthusiastic"}`}
	gen := NewGeneratorWithClient(testConfig(), llm, richExtractor(), zerolog.Nop())

	grade, err := gen.GradeRecall(context.Background(), canvas.Credential{}, fileRefs("f1"), "Q", "A", "nonsense-mode")
	if err != nil {
		t.Fatalf("GradeRecall failed: %v", err)
	}
	if grade.Score != 100 {
		t.Errorf("Expected score clamped to 100, got %d", grade.Score)
	}
}

func TestGenerator_DisabledWithoutKey(t *testing.T) {
	gen := NewGeneratorWithClient(testConfig(), nil, richExtractor(), zerolog.Nop())

	_, _, err := gen.GenerateFlashcards(context.Background(), canvas.Credential{}, "Week 1", fileRefs("f1"), 1)
	if !errors.Is(err, ErrAIUnavailable) {
		t.Fatalf("Expected ErrAIUnavailable, got %v", err)
	}
}
