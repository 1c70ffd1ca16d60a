package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mindcast-backend/internal/infra/metrics"
)

const defaultBaseURL = "https://api.elevenlabs.io/v1"

// Client выполняет запросы синтеза речи ElevenLabs.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
}

// NewClient создаёт клиента ElevenLabs.
func NewClient(apiKey, baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{http: &http.Client{Timeout: timeout + 5*time.Second}, baseURL: baseURL, apiKey: apiKey}
}

// SynthesizeRequest описывает параметры озвучки.
type SynthesizeRequest struct {
	Text    string
	VoiceID string
	ModelID string
}

type ttsBody struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

// Synthesize вызывает /text-to-speech/{voice_id} и возвращает аудио.
func (c *Client) Synthesize(ctx context.Context, req SynthesizeRequest) ([]byte, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("elevenlabs: api key is empty")
	}
	if req.VoiceID == "" {
		return nil, fmt.Errorf("elevenlabs: voice id is empty")
	}
	body, err := json.Marshal(ttsBody{Text: req.Text, ModelID: req.ModelID})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: marshal request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/text-to-speech/%s", c.baseURL, req.VoiceID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", c.apiKey)
	httpReq.Header.Set("Accept", "audio/mpeg")

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ObserveNetworkRequest("elevenlabs", "text_to_speech", req.VoiceID, start, err)
		return nil, fmt.Errorf("elevenlabs: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err = fmt.Errorf("elevenlabs: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		metrics.ObserveNetworkRequest("elevenlabs", "text_to_speech", req.VoiceID, start, err)
		return nil, err
	}
	audio, err := io.ReadAll(resp.Body)
	metrics.ObserveNetworkRequest("elevenlabs", "text_to_speech", req.VoiceID, start, err)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: read audio: %w", err)
	}
	return audio, nil
}
