package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"coursepilot/internal/canvas"
	"coursepilot/internal/config"
	"coursepilot/internal/models"
)

var (
	// ErrAIUnavailable is returned when no LLM API key is configured.
	ErrAIUnavailable = errors.New("llm integration is not configured")

	// ErrInsufficientContent means the extracted course material was too thin
	// to ground a generation. No LLM call is made in that case.
	ErrInsufficientContent = errors.New("not enough extractable content in module files")
)

// GenerationError wraps an LLM response that could not be parsed into the
// expected structure. Raw carries a snippet of the model output for logs.
type GenerationError struct {
	Kind string
	Raw  string
	Err  error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate %s: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func newGenerationError(kind, raw string, err error) *GenerationError {
	if len(raw) > 500 {
		raw = raw[:500]
	}
	return &GenerationError{Kind: kind, Raw: raw, Err: err}
}

// CompletionClient is the slice of the OpenAI-compatible client the
// generator uses. Tests substitute a recorder to assert call counts.
type CompletionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// TextExtractor turns one file URL into plain text, empty on failure.
type TextExtractor interface {
	ExtractText(ctx context.Context, url string, cred canvas.Credential) string
}

// Generator builds study artifacts (flashcards, quizzes, chat answers,
// active recall exchanges) from extracted course material.
type Generator struct {
	llm       CompletionClient
	extractor TextExtractor
	model     string
	cfg       config.Config
	log       zerolog.Logger
}

func NewGenerator(cfg config.Config, extractor TextExtractor, log zerolog.Logger) *Generator {
	gen := &Generator{
		extractor: extractor,
		model:     cfg.GroqModel,
		cfg:       cfg,
		log:       log.With().Str("component", "generator").Logger(),
	}
	if cfg.GroqKey != "" {
		clientCfg := openai.DefaultConfig(cfg.GroqKey)
		if cfg.GroqEndpoint != "" {
			clientCfg.BaseURL = cfg.GroqEndpoint
		}
		gen.llm = openai.NewClientWithConfig(clientCfg)
	}
	return gen
}

// NewGeneratorWithClient exists for tests.
func NewGeneratorWithClient(cfg config.Config, llm CompletionClient, extractor TextExtractor, log zerolog.Logger) *Generator {
	return &Generator{llm: llm, extractor: extractor, model: cfg.GroqModel, cfg: cfg, log: log}
}

func (g *Generator) disabled() bool {
	return g.llm == nil || g.model == ""
}

// ModuleContext is the aggregated study material for one module, with the
// provenance list of files that contributed to it.
type ModuleContext struct {
	Text    string
	Sources []string
}

// GatherContext extracts text from up to MaxFilesPerCall files in their given
// order. Files yielding fewer than MinExtractChars characters are dropped.
// The aggregate is truncated to MaxContentChars; below MinContentChars the
// whole gather fails with ErrInsufficientContent.
func (g *Generator) GatherContext(ctx context.Context, cred canvas.Credential, files []models.FileRef) (ModuleContext, error) {
	var parts []string
	var sources []string

	for i, file := range files {
		if i >= g.cfg.MaxFilesPerCall {
			break
		}
		text := g.extractor.ExtractText(ctx, file.URL, cred)
		if len(text) < g.cfg.MinExtractChars {
			g.log.Debug().Str("file", file.Name).Int("chars", len(text)).Msg("skipping file with too little text")
			continue
		}
		parts = append(parts, fmt.Sprintf("=== %s ===\n%s", file.Name, text))
		sources = append(sources, file.Name)
	}

	aggregate := strings.Join(parts, "\n\n")
	if len(aggregate) < g.cfg.MinContentChars {
		return ModuleContext{}, ErrInsufficientContent
	}
	if len(aggregate) > g.cfg.MaxContentChars {
		cut := g.cfg.MaxContentChars
		for cut > 0 && !utf8.RuneStart(aggregate[cut]) {
			cut--
		}
		aggregate = aggregate[:cut] + "..."
	}
	return ModuleContext{Text: aggregate, Sources: sources}, nil
}

func (g *Generator) complete(ctx context.Context, system, user string, temperature float32, maxTokens int) (string, error) {
	if g.disabled() {
		return "", ErrAIUnavailable
	}

	req := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	resp, err := g.llm.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("request completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (g *Generator) chat(ctx context.Context, messages []openai.ChatCompletionMessage, temperature float32, maxTokens int) (string, error) {
	if g.disabled() {
		return "", ErrAIUnavailable
	}

	req := openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	resp, err := g.llm.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("request completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// FlashcardDraft is an unsaved generated flashcard.
type FlashcardDraft struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Type     string `json:"type"`
}

// GenerateFlashcards produces count flashcard drafts grounded in the module's
// files, along with the source file names the drafts were derived from.
func (g *Generator) GenerateFlashcards(ctx context.Context, cred canvas.Credential, moduleName string, files []models.FileRef, count int) ([]FlashcardDraft, []string, error) {
	if count <= 0 {
		count = 10
	}
	mc, err := g.GatherContext(ctx, cred, files)
	if err != nil {
		return nil, nil, err
	}

	system := "You are a study assistant that writes flashcards strictly grounded in the provided course material. " +
		`Respond with a JSON array only: [{"question":"","answer":"","type":"definition|concept|application"}].`
	user := fmt.Sprintf("Create exactly %d flashcards for the module %q from this material:\n\n%s", count, moduleName, mc.Text)

	content, err := g.complete(ctx, system, user, 0.7, 2000)
	if err != nil {
		return nil, nil, err
	}

	var drafts []FlashcardDraft
	if err := unmarshalArray(content, &drafts); err != nil {
		return nil, nil, newGenerationError("flashcards", content, err)
	}

	out := drafts[:0]
	for _, d := range drafts {
		if strings.TrimSpace(d.Question) == "" || strings.TrimSpace(d.Answer) == "" {
			continue
		}
		if d.Type == "" {
			d.Type = "definition"
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, nil, newGenerationError("flashcards", content, errors.New("no usable cards in response"))
	}
	return out, mc.Sources, nil
}

// QuizQuestionDraft is an unsaved generated multiple-choice question.
type QuizQuestionDraft struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
}

// GenerateQuiz produces count four-option multiple-choice questions.
func (g *Generator) GenerateQuiz(ctx context.Context, cred canvas.Credential, moduleName string, files []models.FileRef, count int) ([]QuizQuestionDraft, []string, error) {
	if count <= 0 {
		count = 5
	}
	mc, err := g.GatherContext(ctx, cred, files)
	if err != nil {
		return nil, nil, err
	}

	system := "You are a study assistant that writes multiple-choice quiz questions grounded in the provided course material. " +
		`Respond with a JSON array only: [{"question":"","options":["","","",""],"correct_answer":"A"}]. ` +
		"correct_answer is the letter A, B, C, or D."
	user := fmt.Sprintf("Create exactly %d quiz questions for the module %q from this material:\n\n%s", count, moduleName, mc.Text)

	content, err := g.complete(ctx, system, user, 0.7, 2500)
	if err != nil {
		return nil, nil, err
	}

	var drafts []QuizQuestionDraft
	if err := unmarshalArray(content, &drafts); err != nil {
		return nil, nil, newGenerationError("quiz", content, err)
	}

	out := drafts[:0]
	for _, d := range drafts {
		if strings.TrimSpace(d.Question) == "" || len(d.Options) != 4 {
			continue
		}
		letter := strings.ToUpper(strings.TrimSpace(d.CorrectAnswer))
		if letter != "A" && letter != "B" && letter != "C" && letter != "D" {
			continue
		}
		d.CorrectAnswer = letter
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, nil, newGenerationError("quiz", content, errors.New("no usable questions in response"))
	}
	return out, mc.Sources, nil
}

// Chat answers a free-form question about the module's material, carrying the
// prior conversation turns along.
func (g *Generator) Chat(ctx context.Context, cred canvas.Credential, files []models.FileRef, history []models.ChatMessage, question string) (string, []string, error) {
	mc, err := g.GatherContext(ctx, cred, files)
	if err != nil {
		return "", nil, err
	}

	messages := []openai.ChatCompletionMessage{{
		Role: openai.ChatMessageRoleSystem,
		Content: "You are a course tutor. Answer using only the provided course material; say so when the " +
			"material does not cover the question.\n\nCourse material:\n" + mc.Text,
	}}
	for _, msg := range history {
		role := openai.ChatMessageRoleUser
		if msg.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: question})

	answer, err := g.chat(ctx, messages, 0.7, 1024)
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSpace(answer), mc.Sources, nil
}

// RecallQuestion poses one open-ended active recall question about the
// material. Higher temperature keeps repeated questions varied.
func (g *Generator) RecallQuestion(ctx context.Context, cred canvas.Credential, files []models.FileRef) (string, []string, error) {
	mc, err := g.GatherContext(ctx, cred, files)
	if err != nil {
		return "", nil, err
	}

	system := "You are a study coach running an active recall session. Ask exactly one open-ended question " +
		"that tests understanding of the provided material. Respond with the question text only."
	question, err := g.complete(ctx, system, "Course material:\n\n"+mc.Text, 0.9, 256)
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSpace(question), mc.Sources, nil
}

// RecallGrade is the structured verdict on a free-text answer. Passed is
// reported to the caller, never enforced here.
type RecallGrade struct {
	Score         int    `json:"score"`
	Feedback      string `json:"feedback"`
	CorrectAnswer string `json:"correct_answer"`
	Passed        bool   `json:"passed"`
}

var gradingStyles = map[string]string{
	"easy":     "Grade generously; reward partial understanding.",
	"balanced": "Grade fairly; expect the key points to be present.",
	"tough":    "Grade strictly; expect precision and completeness.",
}

// GradeRecall scores a free-text answer to a recall question from 0 to 100.
// Difficulty selects the grading style; unknown values fall back to balanced.
func (g *Generator) GradeRecall(ctx context.Context, cred canvas.Credential, files []models.FileRef, question, answer, difficulty string) (RecallGrade, error) {
	mc, err := g.GatherContext(ctx, cred, files)
	if err != nil {
		return RecallGrade{}, err
	}

	style, ok := gradingStyles[strings.ToLower(difficulty)]
	if !ok {
		style = gradingStyles["balanced"]
	}

	system := "You grade student answers against course material. " + style +
		` Respond with a JSON object only: {"score":0,"feedback":"","correct_answer":""} ` +
		"where score is 0-100 and correct_answer is a model answer drawn from the material."
	user := fmt.Sprintf("Course material:\n%s\n\nQuestion: %s\n\nStudent answer: %s", mc.Text, question, answer)

	content, err := g.complete(ctx, system, user, 0.2, 512)
	if err != nil {
		return RecallGrade{}, err
	}

	var grade RecallGrade
	if err := json.Unmarshal([]byte(extractJSON(content)), &grade); err != nil {
		return RecallGrade{}, newGenerationError("recall grade", content, err)
	}
	if grade.Score < 0 {
		grade.Score = 0
	}
	if grade.Score > 100 {
		grade.Score = 100
	}
	grade.Passed = grade.Score >= 70
	return grade, nil
}

// extractJSON removes markdown code fences if present and slices out the
// outermost JSON object or array.
var smartQuotes = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")

func extractJSON(content string) string {
	content = smartQuotes.Replace(strings.TrimSpace(content))

	if strings.HasPrefix(content, "```") {
		start := 3
		if newlineIdx := strings.Index(content[start:], "\n"); newlineIdx != -1 {
			start += newlineIdx + 1
		}
		if endIdx := strings.Index(content[start:], "```"); endIdx != -1 {
			content = content[start : start+endIdx]
		} else {
			content = content[start:]
		}
	}

	content = strings.TrimSpace(content)

	objStart := strings.Index(content, "{")
	arrStart := strings.Index(content, "[")
	if arrStart != -1 && (objStart == -1 || arrStart < objStart) {
		if endIdx := strings.LastIndex(content, "]"); endIdx > arrStart {
			return strings.TrimSpace(content[arrStart : endIdx+1])
		}
	}
	if objStart != -1 {
		if endIdx := strings.LastIndex(content, "}"); endIdx > objStart {
			return strings.TrimSpace(content[objStart : endIdx+1])
		}
	}
	return content
}

// unmarshalArray parses an LLM response expected to contain a JSON array,
// tolerating code fences and surrounding prose.
func unmarshalArray(content string, out any) error {
	cleaned := extractJSON(content)
	if err := json.Unmarshal([]byte(cleaned), out); err != nil {
		return fmt.Errorf("unmarshal response array: %w", err)
	}
	return nil
}
