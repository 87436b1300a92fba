package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StrategyReplay    = "replay"
	StrategyThread    = "thread"
	StrategyStateless = "stateless"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

type Config struct {
	DatabaseURL  string
	StoreBackend string

	Strategy      string
	LLMProvider   string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GeminiAPIKey  string
	ChatModel     string
	SystemPrompt  string
	HistoryLimit  int

	AssistantModel        string
	AssistantName         string
	AssistantInstructions string
	RunPollInterval       time.Duration
	RunPollTimeout        time.Duration

	TelegramToken   string
	TelegramAPIBase string
	InputVoice      string
	OutputVoice     string

	SerializePerUser bool

	HTTPPort  string
	LogLevel  string
	LogPretty bool
	JWTSecret string
}

var AppConfig Config

// LoadConfig reads an optional .env file and then the process environment
// into AppConfig. It reports whether a .env file was found.
func LoadConfig() bool {
	foundDotEnv := godotenv.Load() == nil
	AppConfig = Load()
	return foundDotEnv
}

// Load reads configuration from the environment only.
func Load() Config {
	return Config{
		DatabaseURL:  getEnv("DATABASE_URL", "relay.db"),
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", BackendSQLite)),

		Strategy:      strings.ToLower(getEnv("RELAY_STRATEGY", StrategyReplay)),
		LLMProvider:   strings.ToLower(getEnv("LLM_PROVIDER", ProviderOpenAI)),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),
		GeminiAPIKey:  getEnv("GEMINI_API_KEY", ""),
		ChatModel:     getEnv("CHAT_MODEL", ""),
		SystemPrompt:  getEnv("SYSTEM_PROMPT", "You are a helpful assistant."),
		HistoryLimit:  getEnvAsInt("HISTORY_LIMIT", 20),

		AssistantModel:        getEnv("ASSISTANT_MODEL", "gpt-4o"),
		AssistantName:         getEnv("ASSISTANT_NAME", "relay"),
		AssistantInstructions: getEnv("ASSISTANT_INSTRUCTIONS", "You are a helpful assistant."),
		RunPollInterval:       getEnvAsDuration("RUN_POLL_INTERVAL", 500*time.Millisecond),
		RunPollTimeout:        getEnvAsDuration("RUN_POLL_TIMEOUT", 5*time.Minute),

		TelegramToken:   getEnv("TELEGRAM_TOKEN", ""),
		TelegramAPIBase: getEnv("TELEGRAM_API_BASE", "https://api.telegram.org"),
		InputVoice:      getEnv("INPUT_VOICE", os.TempDir()),
		OutputVoice:     getEnv("OUTPUT_VOICE", os.TempDir()),

		SerializePerUser: getEnvAsBool("SERIALIZE_PER_USER", true),

		HTTPPort:  getEnv("HTTP_PORT", "8080"),
		LogLevel:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
		JWTSecret: getEnv("JWT_SECRET", ""),
	}
}

// Validate reports the first option that is missing or invalid for the
// selected strategy, provider and backend.
func (c Config) Validate() error {
	switch c.Strategy {
	case StrategyReplay, StrategyStateless:
		switch c.LLMProvider {
		case ProviderOpenAI:
			if c.OpenAIAPIKey == "" {
				return fmt.Errorf("OPENAI_API_KEY environment variable is required")
			}
		case ProviderGemini:
			if c.GeminiAPIKey == "" {
				return fmt.Errorf("GEMINI_API_KEY environment variable is required")
			}
		default:
			return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider)
		}
	case StrategyThread:
		// Assistants, threads and runs only exist on the OpenAI side.
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY environment variable is required for the thread strategy")
		}
	default:
		return fmt.Errorf("unknown RELAY_STRATEGY %q", c.Strategy)
	}

	switch c.StoreBackend {
	case BackendSQLite, BackendBolt:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive, got %d", c.HistoryLimit)
	}
	if c.RunPollInterval <= 0 {
		return fmt.Errorf("RUN_POLL_INTERVAL must be positive")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	return nil
}

// MediaEnabled reports whether voice input can be transcribed and replies
// synthesized. Both need the OpenAI audio endpoints.
func (c Config) MediaEnabled() bool {
	return c.OpenAIAPIKey != ""
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
