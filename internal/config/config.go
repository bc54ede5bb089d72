package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"wagate/internal/types"
)

const (
	DeviceBackendSQLite   = "sqlite"
	DeviceBackendPostgres = "postgres"
	DeviceBackendDDB      = "ddb"

	SessionBackendFile  = "file"
	SessionBackendRedis = "redis"

	EngineMQTT = "mqtt"
	EngineFake = "fake"

	EnvFileKey = "ENV_FILE"
)

// Config is the service configuration. Values come from an optional YAML file first and are
// then overridden by environment variables.
type Config struct {
	Port      int    `yaml:"port"`
	APIKey    string `yaml:"api_key"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	DeviceBackend string `yaml:"device_backend"`
	SQLitePath    string `yaml:"sqlite_path"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	DDBTable      string `yaml:"ddb_table"`
	DDBEndpoint   string `yaml:"ddb_endpoint"`

	SessionBackend string      `yaml:"session_backend"`
	SessionDir     string      `yaml:"session_dir"`
	Redis          RedisConfig `yaml:"redis"`

	Engine         string        `yaml:"engine"`
	MQTTBrokerURL  string        `yaml:"mqtt_broker_url"`
	MQTTPrefix     string        `yaml:"mqtt_topic_prefix"`
	RequestTimeout time.Duration `yaml:"engine_request_timeout"`

	CountryCode string `yaml:"country_code"`
	TrunkPrefix string `yaml:"trunk_prefix"`

	SNSTopicArn string `yaml:"sns_topic_arn"`
	SNSEndpoint string `yaml:"sns_endpoint"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	User string `yaml:"user"`
	Pass string `yaml:"pass"`
	TLS  bool   `yaml:"tls"`
	DB   int    `yaml:"db"`
}

// Default returns the configuration used when neither a file nor env vars say otherwise.
func Default() Config {
	return Config{
		Port:           8080,
		LogLevel:       "info",
		LogFormat:      "text",
		DeviceBackend:  DeviceBackendSQLite,
		SQLitePath:     "wagate.db",
		DDBTable:       "wagate_devices",
		SessionBackend: SessionBackendFile,
		SessionDir:     ".sessions",
		Redis:          RedisConfig{Host: "localhost", Port: "6379"},
		Engine:         EngineMQTT,
		MQTTBrokerURL:  "mqtt://localhost:1883",
		MQTTPrefix:     "wagate/engine",
		RequestTimeout: 30 * time.Second,
		CountryCode:    "62",
		TrunkPrefix:    "0",
	}
}

// LoadEnvFile loads a dotenv file into the process environment. A missing file is not an error.
func LoadEnvFile(path string) {
	if path == "" {
		path = os.Getenv(EnvFileKey)
	}
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		log.Info("The .env file not found.")
	}
}

// Load reads the YAML file at path (if any), applies env overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	c.Port = getenvInt("PORT", c.Port, &errs)
	c.APIKey = getenv("API_KEY", c.APIKey)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getenv("LOG_FORMAT", c.LogFormat)

	c.DeviceBackend = getenv("DEVICE_BACKEND", c.DeviceBackend)
	c.SQLitePath = getenv("SQLITE_PATH", c.SQLitePath)
	c.PostgresDSN = getenv("POSTGRES_DSN", c.PostgresDSN)
	c.DDBTable = getenv("DDB_TABLE", c.DDBTable)
	c.DDBEndpoint = getenv("DDB_ENDPOINT", c.DDBEndpoint)

	c.SessionBackend = getenv("SESSION_BACKEND", c.SessionBackend)
	c.SessionDir = getenv("SESSION_DIR", c.SessionDir)
	c.Redis.Host = getenv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getenv("REDIS_PORT", c.Redis.Port)
	c.Redis.User = getenv("REDIS_USER", c.Redis.User)
	c.Redis.Pass = getenv("REDIS_PASS", c.Redis.Pass)
	c.Redis.TLS = getenvBool("REDIS_SSL", c.Redis.TLS)
	c.Redis.DB = getenvInt("REDIS_DB_NUM", c.Redis.DB, &errs)

	c.Engine = getenv("ENGINE", c.Engine)
	c.MQTTBrokerURL = getenv("MQTT_BROKER_URL", c.MQTTBrokerURL)
	c.MQTTPrefix = getenv("MQTT_TOPIC_PREFIX", c.MQTTPrefix)
	if v := os.Getenv("ENGINE_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ENGINE_REQUEST_TIMEOUT: %w", err))
		} else {
			c.RequestTimeout = d
		}
	}

	c.CountryCode = getenv("COUNTRY_CODE", c.CountryCode)
	c.TrunkPrefix = getenv("TRUNK_PREFIX", c.TrunkPrefix)

	c.SNSTopicArn = getenv("SNS_TOPIC_ARN", c.SNSTopicArn)
	c.SNSEndpoint = getenv("SNS_ENDPOINT", c.SNSEndpoint)
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	switch c.DeviceBackend {
	case DeviceBackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for the sqlite device backend")
		}
	case DeviceBackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required for the postgres device backend")
		}
	case DeviceBackendDDB:
		if c.DDBTable == "" {
			return fmt.Errorf("ddb_table is required for the ddb device backend")
		}
	default:
		return types.Err(types.ErrInvalidBackend, nil, "device backend %q", c.DeviceBackend)
	}
	switch c.SessionBackend {
	case SessionBackendFile, SessionBackendRedis:
	default:
		return types.Err(types.ErrInvalidBackend, nil, "session backend %q", c.SessionBackend)
	}
	if c.SessionDir == "" {
		return fmt.Errorf("session_dir is required")
	}
	switch c.Engine {
	case EngineMQTT:
		if c.MQTTBrokerURL == "" {
			return fmt.Errorf("mqtt_broker_url is required for the mqtt engine")
		}
	case EngineFake:
	default:
		return types.Err(types.ErrInvalidBackend, nil, "engine %q", c.Engine)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("engine_request_timeout must be positive")
	}
	if c.CountryCode == "" {
		return fmt.Errorf("country_code is required")
	}
	return nil
}

// SessionFile is where the file backend keeps the session cache blob.
func (c Config) SessionFile() string {
	return filepath.Join(c.SessionDir, "sessions.json")
}

// AuthDir is where the engine keeps per-device auth material on disk.
func (c Config) AuthDir() string {
	return filepath.Join(c.SessionDir, "auth")
}

// ConfigureLogging applies the log level and format to the global logrus logger.
func (c Config) ConfigureLogging() {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.WithError(err).Warnf("unknown log level %q, using info", c.LogLevel)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	if strings.EqualFold(c.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// getenv retrieves the value of the environment variable named by the key.
func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}
