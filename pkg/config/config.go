package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Line      LineConfig
	OpenAI    OpenAIConfig
	Router    RouterConfig
	Buffer    BufferConfig
	Search    SearchConfig
	Storage   StorageConfig
	SQLite    SQLiteConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Admin     AdminConfig
	Scheduler SchedulerConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	Environment  string
}

func (s ServerConfig) IsDevelopment() bool {
	return s.Environment == "development"
}

type LineConfig struct {
	ChannelAccessToken string
	ChannelSecret      string
	AdminUserID        string
	APIBaseURL         string
	MaxMessageLength   int
	TimeoutSec         int
}

type OpenAIConfig struct {
	APIKey          string
	AssistantID     string
	BaseURL         string
	PollInterval    time.Duration
	PollMaxRetries  int
	ExtractionModel string
}

type RouterConfig struct {
	ConfidenceThreshold float64
	HandoverTTL         time.Duration
	HandoverKeywords    []string
}

type BufferConfig struct {
	Timeout      time.Duration
	MaxFragments int
	MinLength    int
	MaxCJKChars  int
}

type SearchConfig struct {
	Enabled    bool
	Provider   string
	SerpAPIKey string
	MaxResults int
	TimeoutSec int
	CacheTTL   time.Duration
}

type StorageConfig struct {
	Driver string
}

type SQLiteConfig struct {
	Path string
}

type PostgresConfig struct {
	DSN string
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type AdminConfig struct {
	APIToken          string
	RequestsPerMinute int
}

type SchedulerConfig struct {
	HandoverCleanupCron string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

// legacyEnv maps keys to the unprefixed variable names used by existing deployments.
var legacyEnv = map[string]string{
	"line.channelAccessToken": "LINE_CHANNEL_ACCESS_TOKEN",
	"line.channelSecret":      "LINE_CHANNEL_SECRET",
	"line.adminUserID":        "LINE_ADMIN_USER_ID",
	"openai.apiKey":           "OPENAI_API_KEY",
	"openai.assistantID":      "OPENAI_ASSISTANT_ID",
	"postgres.dsn":            "DATABASE_URL",
	"server.port":             "PORT",
	"server.environment":      "ENVIRONMENT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/line-relay")

	return load(v)
}

// LoadFile reads configuration from an explicit file path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("LINE_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range legacyEnv {
		prefixed := "LINE_RELAY_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, fmt.Errorf("failed to bind env %s: %w", env, err)
		}
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Validate reports settings the server cannot start without.
func (c *Config) Validate() error {
	var missing []string
	if c.Line.ChannelAccessToken == "" {
		missing = append(missing, "line.channelAccessToken")
	}
	if c.Line.ChannelSecret == "" {
		missing = append(missing, "line.channelSecret")
	}
	if c.OpenAI.APIKey == "" {
		missing = append(missing, "openai.apiKey")
	}
	if c.OpenAI.AssistantID == "" {
		missing = append(missing, "openai.assistantID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}

	if c.Router.ConfidenceThreshold < 0 || c.Router.ConfidenceThreshold > 1 {
		return fmt.Errorf("router.confidenceThreshold must be within [0,1], got %v", c.Router.ConfidenceThreshold)
	}

	switch c.Storage.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required when storage.driver is postgres")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.environment", "production")

	v.SetDefault("line.channelAccessToken", "")
	v.SetDefault("line.channelSecret", "")
	v.SetDefault("line.adminUserID", "")
	v.SetDefault("line.apiBaseURL", "https://api.line.me")
	v.SetDefault("line.maxMessageLength", 5000)
	v.SetDefault("line.timeoutSec", 10)

	v.SetDefault("openai.apiKey", "")
	v.SetDefault("openai.assistantID", "")
	v.SetDefault("openai.baseURL", "")
	v.SetDefault("openai.pollInterval", time.Second)
	v.SetDefault("openai.pollMaxRetries", 30)
	v.SetDefault("openai.extractionModel", "gpt-3.5-turbo")

	v.SetDefault("router.confidenceThreshold", 0.83)
	v.SetDefault("router.handoverTTL", time.Hour)
	v.SetDefault("router.handoverKeywords", []string{"轉人工", "人工客服", "真人", "客服"})

	v.SetDefault("buffer.timeout", 3*time.Second)
	v.SetDefault("buffer.maxFragments", 5)
	v.SetDefault("buffer.minLength", 40)
	v.SetDefault("buffer.maxCJKChars", 500)

	v.SetDefault("search.enabled", true)
	v.SetDefault("search.provider", "duckduckgo")
	v.SetDefault("search.serpAPIKey", "")
	v.SetDefault("search.maxResults", 5)
	v.SetDefault("search.timeoutSec", 10)
	v.SetDefault("search.cacheTTL", 30*time.Minute)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("sqlite.path", "./data/relay.db")
	v.SetDefault("postgres.dsn", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("admin.apiToken", "")
	v.SetDefault("admin.requestsPerMinute", 60)

	v.SetDefault("scheduler.handoverCleanupCron", "*/10 * * * *")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
