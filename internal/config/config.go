package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"techbot-backend/internal/completion"
)

type Config struct {
	Port           string
	AllowedOrigins []string
	AssistantName  string
	// Remote completion; an empty or placeholder key means fallback mode.
	CompletionAPIKey   string
	CompletionEndpoint string
	CompletionModel    string
	CompletionTimeout  time.Duration
	// PromptFile is a YAML persona; empty uses the built-in one.
	PromptFile  string
	TypingDelay time.Duration
	SessionTTL  time.Duration
	Verbose     bool
}

// Load reads .env files (missing files are fine) and then the environment.
func Load(envFiles ...string) Config {
	_ = godotenv.Load(envFiles...)
	return Config{
		Port:               getEnvDefault("PORT", "8080"),
		AllowedOrigins:     getEnvListDefault("ALLOWED_ORIGINS", []string{"*"}),
		AssistantName:      getEnvDefault("ASSISTANT_NAME", "TechBot"),
		CompletionAPIKey:   getEnvDefault("COMPLETION_API_KEY", os.Getenv("GROQ_API_KEY")),
		CompletionEndpoint: getEnvDefault("COMPLETION_ENDPOINT", completion.DefaultEndpoint),
		CompletionModel:    getEnvDefault("COMPLETION_MODEL", completion.DefaultModel),
		CompletionTimeout:  getEnvDurationDefault("COMPLETION_TIMEOUT", completion.DefaultTimeout),
		PromptFile:         os.Getenv("PROMPT_FILE"),
		TypingDelay:        getEnvDurationDefault("TYPING_DELAY", 1200*time.Millisecond),
		SessionTTL:         getEnvDurationDefault("SESSION_TTL", 30*time.Minute),
		Verbose:            getEnvBoolDefault("VERBOSE", false),
	}
}

// Validate checks fields that have no usable zero value.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Port) == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("ALLOWED_ORIGINS cannot be empty")
	}
	if c.CompletionTimeout <= 0 {
		return fmt.Errorf("COMPLETION_TIMEOUT must be > 0")
	}
	if c.TypingDelay < 0 {
		return fmt.Errorf("TYPING_DELAY cannot be negative")
	}
	return nil
}

// FallbackMode reports whether replies come only from the rule engine.
func (c Config) FallbackMode() bool {
	return !completion.CredentialConfigured(c.CompletionAPIKey)
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvListDefault(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			s := strings.TrimSpace(p)
			if s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

func getEnvBoolDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getEnvDurationDefault(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
