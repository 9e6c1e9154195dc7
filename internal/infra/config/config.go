package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	WhitePress struct {
		APIKey       string        `envconfig:"WP_API_KEY"`
		BaseURL      string        `envconfig:"WP_BASE_URL" default:"https://www.whitepress.com/panel/api"`
		RequestDelay time.Duration `envconfig:"WP_REQUEST_DELAY" default:"1100ms"`
		RetryDelay   time.Duration `envconfig:"WP_RETRY_DELAY" default:"5s"`
	} `envconfig:""`

	Dify struct {
		BaseURL     string `envconfig:"DIFY_BASE_URL" default:"https://api.dify.ai/v1"`
		APIUser     string `envconfig:"DIFY_API_USER" default:"webinvest"`
		KeyResearch string `envconfig:"DIFY_API_KEY_RESEARCH"`
		KeyHeaders  string `envconfig:"DIFY_API_KEY_HEADERS"`
		KeyBrief    string `envconfig:"DIFY_API_KEY_BRIEF"`
		KeyWrite    string `envconfig:"DIFY_API_KEY_WRITE"`
	} `envconfig:""`

	PGDSN      string `envconfig:"PG_DSN"`
	PGMaxConns int32  `envconfig:"PG_MAX_CONNS" default:"8"`

	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Selection struct {
		ScoreWeight float64 `envconfig:"SELECTION_SCORE_WEIGHT" default:"2"`
		SampleLimit int     `envconfig:"SELECTION_SAMPLE_LIMIT" default:"0"`
	} `envconfig:""`

	Queues struct {
		Pipeline string `envconfig:"PIPELINE_QUEUE_KEY" default:"pipeline_jobs"`
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
