package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mindcast-backend/internal/domain"
	"mindcast-backend/internal/infra/elevenlabs"
	"mindcast-backend/internal/infra/openai"
)

// Целевая длина сценария по пресетам.
var lengthWords = map[domain.EpisodeLength]int{
	domain.LengthShort:  450,
	domain.LengthMedium: 900,
	domain.LengthLong:   1600,
}

// Тарифы для оценки себестоимости, центы.
const (
	promptCentsPerMTokens     = 15
	completionCentsPerMTokens = 60
	ttsCentsPerKChars         = 18
)

// LLM реализует внешний генерационный пайплайн: исследование и сценарий
// через Chat Completions, озвучка через ElevenLabs.
type LLM struct {
	llm      *openai.Client
	tts      *elevenlabs.Client
	model    string
	voiceID  string
	audioDir string
	log      zerolog.Logger
}

// NewLLM создаёт пайплайн. audioDir — каталог для готовых mp3.
func NewLLM(llm *openai.Client, tts *elevenlabs.Client, model, voiceID, audioDir string, logger zerolog.Logger) *LLM {
	return &LLM{llm: llm, tts: tts, model: model, voiceID: voiceID, audioDir: audioDir, log: logger}
}

var _ domain.GenerationPipeline = (*LLM)(nil)

type researchPayload struct {
	Outline []string `json:"outline"`
	Sources []struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"sources"`
}

// Generate выполняет полный цикл: исследование, сценарий, озвучка.
func (p *LLM) Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
	words, ok := lengthWords[req.Length]
	if !ok {
		words = lengthWords[domain.LengthMedium]
	}

	var costCents int

	research, usage, err := p.complete(ctx, []openai.ChatMessage{
		{Role: openai.RoleSystem, Content: "Ты исследователь документальных аудио-эпизодов. Верни JSON с полями outline (список тезисов) и sources (title, url)."},
		{Role: openai.RoleUser, Content: fmt.Sprintf("Тема: %s", req.Topic)},
	}, true)
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("этап исследования: %w", err)
	}
	costCents += usageCost(usage)

	var parsed researchPayload
	if err := json.Unmarshal([]byte(research), &parsed); err != nil {
		p.log.Warn().Err(err).Str("topic", req.Topic).Msg("pipeline: исследование вернуло не-JSON, продолжаем без источников")
	}

	style := req.Style
	if style == "" {
		style = "documentary"
	}
	outline, _ := json.Marshal(parsed.Outline)
	script, usage, err := p.complete(ctx, []openai.ChatMessage{
		{Role: openai.RoleSystem, Content: fmt.Sprintf("Ты сценарист аудио-эпизодов в стиле %s. Напиши связный сценарий примерно на %d слов, без ремарок и заголовков.", style, words)},
		{Role: openai.RoleUser, Content: fmt.Sprintf("Тема: %s\nТезисы: %s", req.Topic, outline)},
	}, false)
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("этап сценария: %w", err)
	}
	costCents += usageCost(usage)

	voiceID := req.Voice
	if voiceID == "" {
		voiceID = p.voiceID
	}
	audio, err := p.tts.Synthesize(ctx, elevenlabs.SynthesizeRequest{Text: script, VoiceID: voiceID})
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("этап озвучки: %w", err)
	}
	costCents += len(script) * ttsCentsPerKChars / 1000

	audioRef, err := p.storeAudio(audio)
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("сохранение аудио: %w", err)
	}

	sources := make([]domain.Source, 0, len(parsed.Sources))
	for _, s := range parsed.Sources {
		sources = append(sources, domain.Source{Title: s.Title, URL: s.URL})
	}

	return domain.GenerationResult{
		Transcript: script,
		AudioRef:   audioRef,
		Sources:    sources,
		CostCents:  costCents,
	}, nil
}

func (p *LLM) complete(ctx context.Context, messages []openai.ChatMessage, jsonMode bool) (string, *openai.ChatCompletionUsage, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: 0.7,
	}
	if jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ResponseFormatTypeJSONObject}
	}
	resp, err := p.llm.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", nil, err
	}
	if len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("пустой ответ модели")
	}
	return resp.Choices[0].Message.Content, resp.Usage, nil
}

func (p *LLM) storeAudio(audio []byte) (string, error) {
	if err := os.MkdirAll(p.audioDir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s-%d.mp3", uuid.NewString(), time.Now().Unix())
	path := filepath.Join(p.audioDir, name)
	if err := os.WriteFile(path, audio, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func usageCost(usage *openai.ChatCompletionUsage) int {
	if usage == nil {
		return 0
	}
	return (usage.PromptTokens*promptCentsPerMTokens + usage.CompletionTokens*completionCentsPerMTokens) / 1_000_000
}
