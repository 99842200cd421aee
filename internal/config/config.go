// Package config loads runtime configuration from the environment.
package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env    string
	Redis  RedisConfig
	LLM    LLMConfig
	Agent  AgentConfig
	Queue  QueueConfig
	Vector VectorConfig

	// MasterKey encrypts Redis instance credentials at rest. Hex-encoded
	// 32 bytes. Empty disables the instance store's write path.
	MasterKey string
}

type RedisConfig struct {
	URL      string
	Password string
}

type LLMConfig struct {
	APIKey         string
	BaseURL        string // empty uses the OpenAI endpoint
	PrimaryModel   string
	MiniModel      string
	NanoModel      string
	EmbeddingModel string
	Timeout        time.Duration
	NanoTimeout    time.Duration
}

type AgentConfig struct {
	MaxIterations int
	TurnBudget    time.Duration
}

type QueueConfig struct {
	Name           string
	Concurrency    int
	MaxTaskRuntime time.Duration
	PollInterval   time.Duration
}

type VectorConfig struct {
	// Dim is the embedding dimension used by the QA and knowledge indices.
	Dim int
}

// Load reads configuration from environment variables, with an optional
// .env file for local development. Missing values fall back to defaults.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig() // .env is optional

	viper.SetDefault("ENV", "production")
	viper.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	viper.SetDefault("SRE_PRIMARY_MODEL", "gpt-4o")
	viper.SetDefault("SRE_MINI_MODEL", "gpt-4o-mini")
	viper.SetDefault("SRE_NANO_MODEL", "gpt-4.1-nano")
	viper.SetDefault("SRE_EMBEDDING_MODEL", "text-embedding-3-small")
	viper.SetDefault("MAX_ITERATIONS", 10)
	viper.SetDefault("TASK_QUEUE_NAME", "sre_tasks")
	viper.SetDefault("SRE_WORKER_CONCURRENCY", 2)
	viper.SetDefault("SRE_EMBEDDING_DIM", 1536)

	llmTimeout, err := time.ParseDuration(viper.GetString("LLM_TIMEOUT"))
	if err != nil {
		llmTimeout = 60 * time.Second
	}
	maxRuntime, err := time.ParseDuration(viper.GetString("MAX_TASK_RUNTIME"))
	if err != nil {
		maxRuntime = 5 * time.Minute
	}

	cfg := &Config{
		Env: viper.GetString("ENV"),
		Redis: RedisConfig{
			URL:      viper.GetString("REDIS_URL"),
			Password: viper.GetString("REDIS_PASSWORD"),
		},
		LLM: LLMConfig{
			APIKey:         viper.GetString("OPENAI_API_KEY"),
			BaseURL:        viper.GetString("OPENAI_BASE_URL"),
			PrimaryModel:   viper.GetString("SRE_PRIMARY_MODEL"),
			MiniModel:      viper.GetString("SRE_MINI_MODEL"),
			NanoModel:      viper.GetString("SRE_NANO_MODEL"),
			EmbeddingModel: viper.GetString("SRE_EMBEDDING_MODEL"),
			Timeout:        llmTimeout,
			NanoTimeout:    10 * time.Second,
		},
		Agent: AgentConfig{
			MaxIterations: viper.GetInt("MAX_ITERATIONS"),
			TurnBudget:    3 * time.Minute,
		},
		Queue: QueueConfig{
			Name:           viper.GetString("TASK_QUEUE_NAME"),
			Concurrency:    viper.GetInt("SRE_WORKER_CONCURRENCY"),
			MaxTaskRuntime: maxRuntime,
			PollInterval:   time.Second,
		},
		Vector: VectorConfig{
			Dim: viper.GetInt("SRE_EMBEDDING_DIM"),
		},
		MasterKey: viper.GetString("REDIS_SRE_MASTER_KEY"),
	}

	return cfg, nil
}
