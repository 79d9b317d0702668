// Package config handles configuration loading for zchatbot.
// It supports YAML config files, a .env file, and environment variable
// overrides, including the flat variable names used by older deployments.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm"       yaml:"llm"`
	Bot       BotConfig       `mapstructure:"bot"       yaml:"bot"`
	Retrieval RetrievalConfig `mapstructure:"retrieval" yaml:"retrieval"`
	Intent    IntentConfig    `mapstructure:"intent"    yaml:"intent"`
	Cache     CacheConfig     `mapstructure:"cache"     yaml:"cache"`
	Twilio    TwilioConfig    `mapstructure:"twilio"    yaml:"twilio"`
	WhatsApp  WhatsAppConfig  `mapstructure:"whatsapp"  yaml:"whatsapp"`
	Storage   StorageConfig   `mapstructure:"storage"   yaml:"storage"`
	News      NewsConfig      `mapstructure:"news"      yaml:"news"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"  yaml:"analysis"`
	API       APIConfig       `mapstructure:"api"       yaml:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"   yaml:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Primary        string  `mapstructure:"primary"         yaml:"primary"` // "openai" or "gemini"
	OpenAIKey      string  `mapstructure:"openai_key"      yaml:"openai_key"      json:"-"`
	OpenAIBaseURL  string  `mapstructure:"openai_base_url" yaml:"openai_base_url"`
	GeminiKey      string  `mapstructure:"gemini_key"      yaml:"gemini_key"      json:"-"`
	Model          string  `mapstructure:"model"           yaml:"model"`
	IntentModel    string  `mapstructure:"intent_model"    yaml:"intent_model"`
	EmbeddingModel string  `mapstructure:"embedding_model" yaml:"embedding_model"`
	Temperature    float64 `mapstructure:"temperature"     yaml:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"      yaml:"max_tokens"`
}

// BotConfig selects the answering engine and its prompt.
type BotConfig struct {
	Profile        string `mapstructure:"profile"          yaml:"profile"`
	Logic          string `mapstructure:"logic"            yaml:"logic"` // prompt, hybrid, reranked, file_indexer, intent_file
	Prompt         string `mapstructure:"prompt"           yaml:"prompt"`
	PromptsDir     string `mapstructure:"prompts_dir"      yaml:"prompts_dir"`
	IndexFilesRoot string `mapstructure:"index_files_root" yaml:"index_files_root"`
	MemorySize     int    `mapstructure:"memory_size"      yaml:"memory_size"`
	CustomLogger   bool   `mapstructure:"custom_logger"    yaml:"custom_logger"`
}

// RetrievalConfig tunes the vector search and the reranked pipeline.
type RetrievalConfig struct {
	TopK         int     `mapstructure:"top_k"         yaml:"top_k"`
	Threshold    float64 `mapstructure:"threshold"     yaml:"threshold"`
	DenseK       int     `mapstructure:"dense_k"       yaml:"dense_k"`
	SparseK      int     `mapstructure:"sparse_k"      yaml:"sparse_k"`
	WeightDense  float64 `mapstructure:"weight_dense"  yaml:"weight_dense"`
	WeightSparse float64 `mapstructure:"weight_sparse" yaml:"weight_sparse"`
	FusionTopK   int     `mapstructure:"fusion_top_k"  yaml:"fusion_top_k"`
	ChunkSize    int     `mapstructure:"chunk_size"    yaml:"chunk_size"`
	ChunkOverlap int     `mapstructure:"chunk_overlap" yaml:"chunk_overlap"`
	ShardsDir    string  `mapstructure:"shards_dir"    yaml:"shards_dir"`
}

// IntentConfig configures intent detection.
type IntentConfig struct {
	Logic       string `mapstructure:"logic"        yaml:"logic"` // comma separated detector names; empty disables
	PromptsDir  string `mapstructure:"prompts_dir"  yaml:"prompts_dir"`
	ExportsDir  string `mapstructure:"exports_dir"  yaml:"exports_dir"`
	StateTTLSec int    `mapstructure:"state_ttl_sec" yaml:"state_ttl_sec"`
	Contacts    string `mapstructure:"contacts"     yaml:"contacts"`
	RotationMsg string `mapstructure:"rotation_msg" yaml:"rotation_msg"`
	RotationTo  string `mapstructure:"rotation_to"  yaml:"rotation_to"`
	MaxPages    int    `mapstructure:"max_pages"    yaml:"max_pages"`
	ChunkChars  int    `mapstructure:"chunk_chars"  yaml:"chunk_chars"`
}

// CacheConfig configures the shared cache.
type CacheConfig struct {
	Enabled  bool   `mapstructure:"enabled"   yaml:"enabled"`
	Type     string `mapstructure:"type"      yaml:"type"` // MEMORY or REDIS
	RedisURL string `mapstructure:"redis_url" yaml:"redis_url" json:"-"`
	TTLSec   int    `mapstructure:"ttl_sec"   yaml:"ttl_sec"`
}

// TwilioConfig holds Twilio REST credentials.
type TwilioConfig struct {
	AccountSID   string  `mapstructure:"account_sid"   yaml:"account_sid"   json:"-"`
	AuthToken    string  `mapstructure:"auth_token"    yaml:"auth_token"    json:"-"`
	WhatsAppFrom string  `mapstructure:"whatsapp_from" yaml:"whatsapp_from"`
	BaseURL      string  `mapstructure:"base_url"      yaml:"base_url"`
	RatePerSec   float64 `mapstructure:"rate_per_sec"  yaml:"rate_per_sec"`
	ValidateSig  bool    `mapstructure:"validate_sig"  yaml:"validate_sig"`
	PublicURL    string  `mapstructure:"public_url"    yaml:"public_url"`
}

// WhatsAppConfig configures the WhatsApp conversation hooks.
type WhatsAppConfig struct {
	DefaultTo     string `mapstructure:"default_to"     yaml:"default_to"`
	Hook          string `mapstructure:"hook"           yaml:"hook"` // sales or generic
	SalesPrompt   string `mapstructure:"sales_prompt"   yaml:"sales_prompt"`
	GenericPrompt string `mapstructure:"generic_prompt" yaml:"generic_prompt"`
	HistoryTurns  int    `mapstructure:"history_turns"  yaml:"history_turns"`
}

// StorageConfig locates the SQLite databases.
type StorageConfig struct {
	VectorDB    string `mapstructure:"vector_db"    yaml:"vector_db"`
	PortfolioDB string `mapstructure:"portfolio_db" yaml:"portfolio_db"`
}

// NewsConfig lists RSS feeds ingested into the news profile.
type NewsConfig struct {
	Feeds   []string `mapstructure:"feeds"   yaml:"feeds"`
	Profile string   `mapstructure:"profile" yaml:"profile"`
}

// AnalysisConfig points the management analysis endpoints at remote bots.
type AnalysisConfig struct {
	QuestionsDir        string `mapstructure:"questions_dir"         yaml:"questions_dir"`
	CompetitionURL      string `mapstructure:"competition_url"       yaml:"competition_url"`
	SentimentRankingURL string `mapstructure:"sentiment_ranking_url" yaml:"sentiment_ranking_url"`
	RankingFallbackURL  string `mapstructure:"ranking_fallback_url"  yaml:"ranking_fallback_url"`
	NewsIndexedURL      string `mapstructure:"news_indexed_url"      yaml:"news_indexed_url"`
	FundsReportsURL     string `mapstructure:"funds_reports_url"     yaml:"funds_reports_url"`
	TimeoutSec          int    `mapstructure:"timeout_sec"           yaml:"timeout_sec"`
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Host        string   `mapstructure:"host"         yaml:"host"`
	Port        int      `mapstructure:"port"         yaml:"port"`
	CORSOrigins []string `mapstructure:"cors_origins" yaml:"cors_origins"`
	TimeoutSec  int      `mapstructure:"timeout_sec"  yaml:"timeout_sec"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `mapstructure:"format" yaml:"format"` // "console" or "json"
}

// TelemetryConfig toggles OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"      yaml:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// Load reads the configuration from file and environment variables.
// Config file search order:
//  1. ./config/config.yaml (project root)
//  2. ~/.zchatbot/config.yaml (home directory)
//  3. /etc/zchatbot/config.yaml (system)
//
// A .env file in the working directory is loaded first when present.
// Environment variables override config file values.
// Format: ZCHATBOT_<SECTION>_<KEY>, e.g., ZCHATBOT_LLM_OPENAI_KEY
func Load() (*Config, error) {
	loadDotEnv()
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(filepath.Join(homeDir(), ".zchatbot"))
	v.AddConfigPath("/etc/zchatbot")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return decode(v)
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	loadDotEnv()
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ZCHATBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	overrideFromEnv(&cfg)
	cfg.Cache.Type = strings.ToUpper(cfg.Cache.Type)
	return &cfg, nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// IntentNames splits the configured detector list.
func (c *Config) IntentNames() []string {
	var names []string
	for _, n := range strings.Split(c.Intent.Logic, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// setDefaults sets sensible defaults for all config values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.primary", "openai")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.intent_model", "gpt-4o-mini")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 2048)

	v.SetDefault("bot.profile", "demo_client")
	v.SetDefault("bot.logic", "hybrid")
	v.SetDefault("bot.prompt", "generic_prompt")
	v.SetDefault("bot.prompts_dir", "./prompts")
	v.SetDefault("bot.index_files_root", "./index_files")
	v.SetDefault("bot.memory_size", 20)

	v.SetDefault("retrieval.top_k", 4)
	v.SetDefault("retrieval.threshold", 0.4)
	v.SetDefault("retrieval.dense_k", 8)
	v.SetDefault("retrieval.sparse_k", 12)
	v.SetDefault("retrieval.weight_dense", 0.65)
	v.SetDefault("retrieval.weight_sparse", 0.35)
	v.SetDefault("retrieval.fusion_top_k", 10)
	v.SetDefault("retrieval.chunk_size", 800)
	v.SetDefault("retrieval.chunk_overlap", 120)
	v.SetDefault("retrieval.shards_dir", "./shards")

	v.SetDefault("intent.prompts_dir", "./input/intent_prompts")
	v.SetDefault("intent.exports_dir", "./exports")
	v.SetDefault("intent.state_ttl_sec", 1800)
	v.SetDefault("intent.contacts", "./input/contacts.csv")
	v.SetDefault("intent.rotation_msg", "./input/portfolio_rotation_message.txt")
	v.SetDefault("intent.rotation_to", "./input/portfolio_rotation_contacts.txt")
	v.SetDefault("intent.max_pages", 10)
	v.SetDefault("intent.chunk_chars", 12000)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.type", "MEMORY")
	v.SetDefault("cache.ttl_sec", 3600)

	v.SetDefault("twilio.whatsapp_from", "whatsapp:+14155238886")
	v.SetDefault("twilio.base_url", "https://api.twilio.com")
	v.SetDefault("twilio.rate_per_sec", 1.0)

	v.SetDefault("whatsapp.hook", "sales")
	v.SetDefault("whatsapp.sales_prompt", "wa_sales_agent_system")
	v.SetDefault("whatsapp.generic_prompt", "wa_generic_hook")
	v.SetDefault("whatsapp.history_turns", 10)

	v.SetDefault("storage.vector_db", "./data/vectors.db")
	v.SetDefault("storage.portfolio_db", "./data/research.db")

	v.SetDefault("news.profile", "news")
	v.SetDefault("news.feeds", []string{
		"https://feeds.a.dj.com/rss/RSSMarketsMain.xml",
		"https://www.cnbc.com/id/10000664/device/rss/rss.html",
	})

	v.SetDefault("analysis.questions_dir", "./static/questions")
	v.SetDefault("analysis.timeout_sec", 120)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8000)
	v.SetDefault("api.cors_origins", []string{"*"})
	v.SetDefault("api.timeout_sec", 120)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.service_name", "zchatbot")
}

// overrideFromEnv reads the flat legacy variable names (OPENAI_API_KEY,
// BOT_PROFILE, ...). They win over both the config file and ZCHATBOT_*
// values.
func overrideFromEnv(cfg *Config) {
	setString(&cfg.LLM.OpenAIKey, "OPENAI_API_KEY")
	setString(&cfg.LLM.GeminiKey, "GEMINI_API_KEY")
	setString(&cfg.LLM.Model, "OPENAI_MODEL_NAME")
	setFloat(&cfg.LLM.Temperature, "OPENAI_TEMPERATURE")

	setString(&cfg.Bot.Profile, "BOT_PROFILE")
	setString(&cfg.Bot.Logic, "BOT_LOGIC")
	setString(&cfg.Bot.Prompt, "CHAT_PROMPT")
	setString(&cfg.Bot.Prompt, "ZBOT_PROMPT_NAME")
	setString(&cfg.Bot.IndexFilesRoot, "INDEX_FILES_ROOT_PATH")
	setBool(&cfg.Bot.CustomLogger, "CUSTOM_LOGGER")

	setFloat(&cfg.Retrieval.Threshold, "RETRIEVAL_SCORE_THRESHOLD")
	setInt(&cfg.Retrieval.TopK, "TOP_K")

	setString(&cfg.Intent.Logic, "INTENT_DETECTION_LOGIC")

	setBool(&cfg.Cache.Enabled, "CACHE_ENABLED")
	setString(&cfg.Cache.Type, "CACHE_TYPE")
	setString(&cfg.Cache.RedisURL, "REDIS_URL")

	setString(&cfg.Twilio.AccountSID, "TWILIO_ACCOUNT_SID")
	setString(&cfg.Twilio.AuthToken, "TWILIO_AUTH_TOKEN")
	setString(&cfg.Twilio.WhatsAppFrom, "TWILIO_WHATSAPP_FROM")
	setString(&cfg.Twilio.WhatsAppFrom, "WHATSAPP_FROM")
	setString(&cfg.WhatsApp.DefaultTo, "WHATSAPP_TO")
	setString(&cfg.WhatsApp.DefaultTo, "WA_TO")

	setInt(&cfg.API.Port, "PORT")
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(env))); err == nil {
		*dst = v
	}
}

func setFloat(dst *float64, env string) {
	if v, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(env)), 64); err == nil {
		*dst = v
	}
}

// setBool only accepts the literal "true"/"false" (any case).
func setBool(dst *bool, env string) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(env))) {
	case "true":
		*dst = true
	case "false":
		*dst = false
	}
}

// loadDotEnv loads ./.env without overriding variables already set.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}

// homeDir returns the user's home directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
