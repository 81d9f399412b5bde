package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        App        `mapstructure:"app"`
	Logging    Logging    `mapstructure:"logging"`
	Database   Database   `mapstructure:"database"`
	Embeddings Embeddings `mapstructure:"embeddings"`
	Trends     Trends     `mapstructure:"trends"`
	AI         AI         `mapstructure:"ai"`
	Retry      Retry      `mapstructure:"retry"`
	Tracing    Tracing    `mapstructure:"tracing"`
}

// App holds general application configuration
type App struct {
	Debug      bool   `mapstructure:"debug"`
	DataDir    string `mapstructure:"data_dir"`
	ConfigFile string `mapstructure:"config_file"`
}

// Logging holds logging configuration
type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Database holds the connection parameters of the AACT source
type Database struct {
	Driver       string `mapstructure:"driver"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Name         string `mapstructure:"name"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	SSLMode      string `mapstructure:"sslmode"`
	Path         string `mapstructure:"path"` // sqlite file, only used when driver is sqlite
	Timeout      string `mapstructure:"timeout"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// Embeddings holds the embedding store and grouping configuration
type Embeddings struct {
	StorePath           string  `mapstructure:"store_path"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	BatchSize           int     `mapstructure:"batch_size"`
}

// Trends holds ranking configuration
type Trends struct {
	MaxRows    int `mapstructure:"max_rows"`
	PromptRows int `mapstructure:"prompt_rows"`
}

// AI holds text-generation configuration
type AI struct {
	Provider  string          `mapstructure:"provider"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
}

// GeminiConfig holds Google Gemini configuration
type GeminiConfig struct {
	APIKey              string  `mapstructure:"api_key"`
	Model               string  `mapstructure:"model"`
	EmbeddingModel      string  `mapstructure:"embedding_model"`
	EmbeddingDimensions int32   `mapstructure:"embedding_dimensions"`
	MaxTokens           int32   `mapstructure:"max_tokens"`
	Temperature         float32 `mapstructure:"temperature"`
}

// AnthropicConfig holds Anthropic configuration
type AnthropicConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int64   `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// Retry holds the retry policy shared by the query and generation calls
type Retry struct {
	MaxAttempts    int    `mapstructure:"max_attempts"`
	InitialBackoff string `mapstructure:"initial_backoff"`
	MaxBackoff     string `mapstructure:"max_backoff"`
}

// Tracing holds OpenTelemetry configuration
type Tracing struct {
	Exporter    string  `mapstructure:"exporter"` // "", "stdout" or "otlp"
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

var globalConfig *Config

// Load loads the configuration from various sources
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	// Load .env file if it exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
		}
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".trialtrends")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	bindEnvironmentVariables()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.App.ConfigFile = viper.ConfigFileUsed()

	if err := postProcessConfig(config); err != nil {
		return nil, fmt.Errorf("error post-processing config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	globalConfig = config
	return config, nil
}

// Get returns the global configuration, loading it if necessary
func Get() *Config {
	if globalConfig == nil {
		config, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("Failed to load configuration: %v", err))
		}
		return config
	}
	return globalConfig
}

// setDefaults sets default configuration values
func setDefaults() {
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.data_dir", "data")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")

	// AACT public mirror
	viper.SetDefault("database.driver", "postgres")
	viper.SetDefault("database.host", "aact-db.ctti-clinicaltrials.org")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "aact")
	viper.SetDefault("database.sslmode", "require")
	viper.SetDefault("database.timeout", "60s")
	viper.SetDefault("database.max_open_conns", 4)

	viper.SetDefault("embeddings.store_path", "data/condition_embeddings.db")
	viper.SetDefault("embeddings.similarity_threshold", 0.85)
	viper.SetDefault("embeddings.batch_size", 100)

	viper.SetDefault("trends.max_rows", 100)
	viper.SetDefault("trends.prompt_rows", 5)

	viper.SetDefault("ai.provider", "gemini")
	viper.SetDefault("ai.gemini.model", "gemini-flash-lite-latest")
	viper.SetDefault("ai.gemini.embedding_model", "gemini-embedding-001")
	viper.SetDefault("ai.gemini.embedding_dimensions", 768)
	viper.SetDefault("ai.gemini.max_tokens", 2048)
	viper.SetDefault("ai.gemini.temperature", 0.7)
	viper.SetDefault("ai.anthropic.model", "claude-sonnet-4-5-20250929")
	viper.SetDefault("ai.anthropic.max_tokens", 2048)
	viper.SetDefault("ai.anthropic.temperature", 0.7)

	viper.SetDefault("retry.max_attempts", 3)
	viper.SetDefault("retry.initial_backoff", "1s")
	viper.SetDefault("retry.max_backoff", "10s")

	viper.SetDefault("tracing.exporter", "")
	viper.SetDefault("tracing.service_name", "trialtrends")
	viper.SetDefault("tracing.sample_ratio", 1.0)
}

// bindEnvironmentVariables sets up flexible environment variable binding
func bindEnvironmentVariables() {
	bindEnvKeys("database.user", []string{
		"AACT_USERNAME",
		"aact_username",
	})

	bindEnvKeys("database.password", []string{
		"AACT_PASSWORD",
		"aact_password",
	})

	bindEnvKeys("ai.gemini.api_key", []string{
		"GEMINI_API_KEY",
		"GOOGLE_GEMINI_API_KEY",
		"GOOGLE_AI_API_KEY",
	})

	bindEnvKeys("ai.anthropic.api_key", []string{
		"ANTHROPIC_API_KEY",
	})

	bindEnvKeys("ai.provider", []string{
		"TRIALTRENDS_AI_PROVIDER",
	})

	bindEnvKeys("app.debug", []string{
		"DEBUG",
		"TRIALTRENDS_DEBUG",
	})

	bindEnvKeys("tracing.exporter", []string{
		"TRIALTRENDS_TRACING_EXPORTER",
	})

	bindEnvKeys("tracing.endpoint", []string{
		"OTEL_EXPORTER_OTLP_ENDPOINT",
	})
}

// bindEnvKeys binds the first found environment variable to a viper key
func bindEnvKeys(viperKey string, envKeys []string) {
	for _, envKey := range envKeys {
		if value := os.Getenv(envKey); value != "" {
			viper.Set(viperKey, value)
			return
		}
	}
}

// postProcessConfig applies post-processing to configuration values
func postProcessConfig(config *Config) error {
	if config.App.DataDir != "" {
		config.App.DataDir = expandPath(config.App.DataDir)
	}
	if config.Embeddings.StorePath != "" {
		config.Embeddings.StorePath = expandPath(config.Embeddings.StorePath)
	}
	if config.Database.Path != "" {
		config.Database.Path = expandPath(config.Database.Path)
	}
	config.AI.Provider = strings.ToLower(strings.TrimSpace(config.AI.Provider))
	config.Database.Driver = strings.ToLower(strings.TrimSpace(config.Database.Driver))

	durations := map[string]string{
		"database.timeout":      config.Database.Timeout,
		"retry.initial_backoff": config.Retry.InitialBackoff,
		"retry.max_backoff":     config.Retry.MaxBackoff,
	}

	for key, duration := range durations {
		if duration != "" {
			if _, err := time.ParseDuration(duration); err != nil {
				return fmt.Errorf("invalid duration for %s: %s", key, duration)
			}
		}
	}

	return nil
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

// validateConfig ensures the configuration is usable. Credentials are checked
// by the commands that need them.
func validateConfig(config *Config) error {
	var errors []string

	switch config.Database.Driver {
	case "postgres":
	case "sqlite":
		if config.Database.Path == "" {
			errors = append(errors, "database.path is required when database.driver is sqlite")
		}
	default:
		errors = append(errors, fmt.Sprintf("Unknown database driver: %s. Supported: postgres, sqlite", config.Database.Driver))
	}

	switch config.AI.Provider {
	case "gemini", "anthropic":
	default:
		errors = append(errors, fmt.Sprintf("Unknown AI provider: %s. Supported: gemini, anthropic", config.AI.Provider))
	}

	if t := config.Embeddings.SimilarityThreshold; t <= 0 || t > 1 {
		errors = append(errors, fmt.Sprintf("embeddings.similarity_threshold must be in (0, 1], got %v", t))
	}
	if config.Embeddings.BatchSize <= 0 {
		errors = append(errors, "embeddings.batch_size must be positive")
	}
	if config.Trends.MaxRows <= 0 {
		errors = append(errors, "trends.max_rows must be positive")
	}
	if config.Trends.PromptRows <= 0 || config.Trends.PromptRows > config.Trends.MaxRows {
		errors = append(errors, "trends.prompt_rows must be positive and no larger than trends.max_rows")
	}
	if config.Retry.MaxAttempts < 1 {
		errors = append(errors, "retry.max_attempts must be at least 1")
	}

	switch strings.ToLower(config.Tracing.Exporter) {
	case "", "none", "stdout", "otlp":
	default:
		errors = append(errors, fmt.Sprintf("Unknown tracing exporter: %s. Supported: stdout, otlp", config.Tracing.Exporter))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// Convenience getters for commonly used configuration values
func GetApp() App               { return Get().App }
func GetLogging() Logging       { return Get().Logging }
func GetDatabase() Database     { return Get().Database }
func GetEmbeddings() Embeddings { return Get().Embeddings }
func GetTrends() Trends         { return Get().Trends }
func GetAI() AI                 { return Get().AI }
func GetRetry() Retry           { return Get().Retry }
func GetTracing() Tracing       { return Get().Tracing }
func IsDebugMode() bool         { return Get().App.Debug }

// TimeoutDuration returns the database timeout as a duration.
func (d Database) TimeoutDuration() time.Duration {
	return parseDurationOr(d.Timeout, 60*time.Second)
}

// Backoffs returns the retry backoff bounds as durations.
func (r Retry) Backoffs() (initial, max time.Duration) {
	return parseDurationOr(r.InitialBackoff, time.Second), parseDurationOr(r.MaxBackoff, 10*time.Second)
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// isValidAPIKey checks if an API key is valid (not empty and not a placeholder)
func isValidAPIKey(apiKey string) bool {
	if apiKey == "" {
		return false
	}

	placeholders := []string{
		"your-api-key", "your-gemini-key", "your-anthropic-key",
		"YOUR_API_KEY", "PLACEHOLDER", "TODO", "CHANGE_ME",
	}

	for _, placeholder := range placeholders {
		if apiKey == placeholder {
			return false
		}
	}

	return true
}

// HasValidAIKey reports whether the configured provider has a usable API key.
func (a AI) HasValidAIKey() bool {
	switch a.Provider {
	case "anthropic":
		return isValidAPIKey(a.Anthropic.APIKey)
	default:
		return isValidAPIKey(a.Gemini.APIKey)
	}
}

// Reset clears the global configuration (useful for testing)
func Reset() {
	globalConfig = nil
	viper.Reset()
}
