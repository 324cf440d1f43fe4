package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// MinimumPreviewAPIVersion is the oldest Azure OpenAI preview API that
// accepts the data_sources extension.
const MinimumPreviewAPIVersion = "2024-05-01-preview"

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	HistorySQLite   = "sqlite"
	HistoryPostgres = "postgres"
	HistoryBolt     = "bolt"
	HistoryMemory   = "memory"
)

type Config struct {
	HTTPPort          string
	LogLevel          string
	LogFormat         string
	AuthEnabled       bool
	JWTSecret         string
	MSDefenderEnabled bool
	SanitizeAnswer    bool
	UITitle           string

	Provider    string
	AzureOpenAI AzureOpenAI
	Gemini      Gemini
	Promptflow  *Promptflow
	ChatHistory *ChatHistory
	Datasource  *Datasource
}

type AzureOpenAI struct {
	Endpoint          string
	Key               string
	Model             string
	PreviewAPIVersion string
	Temperature       float32
	MaxTokens         int
	TopP              float32
	StopSequence      []string
	Stream            bool
	SystemMessage     string
	ResponseTimeout   time.Duration
}

type Gemini struct {
	APIKey string
	Model  string
}

// Promptflow configures the alternate, non-streaming pipeline backend.
type Promptflow struct {
	Endpoint           string
	APIKey             string
	ResponseTimeout    time.Duration
	RequestFieldName   string
	ResponseFieldName  string
	CitationsFieldName string
}

type ChatHistory struct {
	Backend        string
	DSN            string
	Database       string
	Container      string
	EnableFeedback bool
}

// Datasource is the provider-side retrieval extension attached to every
// native completion request. Parameters may hold credentials.
type Datasource struct {
	Type       string
	Parameters map[string]any
}

// Payload returns a deep copy of the descriptor in the wire shape the
// provider expects.
func (d *Datasource) Payload() map[string]any {
	return map[string]any{
		"type":       d.Type,
		"parameters": deepCopy(d.Parameters),
	}
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Load reads the .env file (if present) and the environment into a Config.
func Load(envFiles ...string) (*Config, error) {
	// A missing .env file is fine; the environment alone is used.
	_ = godotenv.Load(envFiles...)

	cfg := &Config{
		HTTPPort:          getEnv("HTTP_PORT", "8080"),
		LogLevel:          getEnv("LOG_LEVEL", "INFO"),
		LogFormat:         getEnv("LOG_FORMAT", "json"),
		AuthEnabled:       getEnvAsBool("AUTH_ENABLED", true),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		MSDefenderEnabled: getEnvAsBool("MS_DEFENDER_ENABLED", false),
		SanitizeAnswer:    getEnvAsBool("SANITIZE_ANSWER", false),
		UITitle:           getEnv("UI_TITLE", "Contoso"),
		Provider:          strings.ToLower(getEnv("CHAT_PROVIDER", ProviderOpenAI)),
		AzureOpenAI: AzureOpenAI{
			Endpoint:          azureEndpoint(),
			Key:               getEnv("AZURE_OPENAI_KEY", ""),
			Model:             getEnv("AZURE_OPENAI_MODEL", ""),
			PreviewAPIVersion: getEnv("AZURE_OPENAI_PREVIEW_API_VERSION", MinimumPreviewAPIVersion),
			Temperature:       getEnvAsFloat32("AZURE_OPENAI_TEMPERATURE", 0),
			MaxTokens:         getEnvAsInt("AZURE_OPENAI_MAX_TOKENS", 1000),
			TopP:              getEnvAsFloat32("AZURE_OPENAI_TOP_P", 0),
			StopSequence:      splitNonEmpty(getEnv("AZURE_OPENAI_STOP_SEQUENCE", ""), "|"),
			Stream:            getEnvAsBool("AZURE_OPENAI_STREAM", true),
			SystemMessage: getEnv("AZURE_OPENAI_SYSTEM_MESSAGE",
				"You are an AI assistant that helps people find information."),
			ResponseTimeout: getEnvAsDuration("AZURE_OPENAI_RESPONSE_TIMEOUT", 120*time.Second),
		},
		Gemini: Gemini{
			APIKey: getEnv("GEMINI_API_KEY", ""),
			Model:  getEnv("GEMINI_MODEL", "gemini-1.5-flash-latest"),
		},
	}

	if getEnvAsBool("USE_PROMPTFLOW", false) {
		cfg.Promptflow = &Promptflow{
			Endpoint:           getEnv("PROMPTFLOW_ENDPOINT", ""),
			APIKey:             getEnv("PROMPTFLOW_API_KEY", ""),
			ResponseTimeout:    getEnvAsDuration("PROMPTFLOW_RESPONSE_TIMEOUT", 120*time.Second),
			RequestFieldName:   getEnv("PROMPTFLOW_REQUEST_FIELD_NAME", "query"),
			ResponseFieldName:  getEnv("PROMPTFLOW_RESPONSE_FIELD_NAME", "reply"),
			CitationsFieldName: getEnv("PROMPTFLOW_CITATIONS_FIELD_NAME", "documents"),
		}
	}

	if backend := strings.ToLower(getEnv("CHAT_HISTORY_BACKEND", "")); backend != "" {
		cfg.ChatHistory = &ChatHistory{
			Backend:        backend,
			DSN:            getEnv("CHAT_HISTORY_DSN", "chat_history.db"),
			Database:       getEnv("CHAT_HISTORY_DATABASE", "chat_history"),
			Container:      getEnv("CHAT_HISTORY_CONTAINER", "conversations"),
			EnableFeedback: getEnvAsBool("CHAT_HISTORY_ENABLE_FEEDBACK", false),
		}
	}

	if dsType := getEnv("DATASOURCE_TYPE", ""); dsType != "" {
		params := map[string]any{}
		if raw := getEnv("DATASOURCE_PARAMETERS", ""); raw != "" {
			if err := json.Unmarshal([]byte(raw), &params); err != nil {
				return nil, fmt.Errorf("DATASOURCE_PARAMETERS must be a JSON object: %w", err)
			}
		}
		cfg.Datasource = &Datasource{Type: dsType, Parameters: params}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Provider credentials are checked
// lazily by the provider constructors so the history endpoints can run
// without a model configured.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderOpenAI, ProviderGemini:
	default:
		return fmt.Errorf("CHAT_PROVIDER must be %q or %q, got %q", ProviderOpenAI, ProviderGemini, c.Provider)
	}
	if c.AzureOpenAI.PreviewAPIVersion < MinimumPreviewAPIVersion {
		return fmt.Errorf("the minimum supported Azure OpenAI preview API version is %q", MinimumPreviewAPIVersion)
	}
	if c.Promptflow != nil && c.Promptflow.Endpoint == "" {
		return fmt.Errorf("PROMPTFLOW_ENDPOINT is required when USE_PROMPTFLOW is set")
	}
	if h := c.ChatHistory; h != nil {
		switch h.Backend {
		case HistorySQLite, HistoryPostgres, HistoryBolt, HistoryMemory:
		default:
			return fmt.Errorf("unsupported CHAT_HISTORY_BACKEND %q", h.Backend)
		}
		if !identifierPattern.MatchString(h.Container) {
			return fmt.Errorf("CHAT_HISTORY_CONTAINER %q is not a valid identifier", h.Container)
		}
	}
	return nil
}

// FeedbackEnabled reports whether per-message feedback is collected.
func (c *Config) FeedbackEnabled() bool {
	return c.ChatHistory != nil && c.ChatHistory.EnableFeedback
}

func azureEndpoint() string {
	if endpoint := getEnv("AZURE_OPENAI_ENDPOINT", ""); endpoint != "" {
		return endpoint
	}
	if resource := getEnv("AZURE_OPENAI_RESOURCE", ""); resource != "" {
		return fmt.Sprintf("https://%s.openai.azure.com/", resource)
	}
	return ""
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

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 32); err == nil {
		return float32(value)
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

// getEnvAsDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func deepCopy(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopy(t)
	case []any:
		cp := make([]any, len(t))
		for i, item := range t {
			cp[i] = deepCopyValue(item)
		}
		return cp
	default:
		return v
	}
}
