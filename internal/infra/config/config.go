package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	AdminToken string `envconfig:"ADMIN_TOKEN"`

	OpenAI struct {
		APIKey  string `envconfig:"OPENAI_API_KEY"`
		BaseURL string `envconfig:"OPENAI_BASE_URL"`
		Model   string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	} `envconfig:""`

	ElevenLabs struct {
		APIKey  string `envconfig:"ELEVENLABS_API_KEY"`
		BaseURL string `envconfig:"ELEVENLABS_BASE_URL"`
		VoiceID string `envconfig:"ELEVENLABS_VOICE_ID" default:"onwK4e9ZLuTAKqWW03F9"`
	} `envconfig:""`

	Canon struct {
		SystemUserID int64 `envconfig:"CANON_SYSTEM_USER_ID" default:"1"`
		AutoPromote  bool  `envconfig:"CANON_AUTO_PROMOTE" default:"true"`
		SweepLimit   int   `envconfig:"CANON_SWEEP_LIMIT" default:"20"`
	} `envconfig:""`

	Limits struct {
		FreeEpisodes int `envconfig:"FREE_EPISODES_LIMIT" default:"3"`
	} `envconfig:""`

	Queues struct {
		Backend  string `envconfig:"QUEUE_BACKEND" default:"redis"`
		Remaster string `envconfig:"REMASTER_QUEUE_KEY" default:"canon_remaster_jobs"`
		AMQPURL  string `envconfig:"AMQP_URL"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
