package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Location sources the map service can read history from
const (
	SourceAPI      = "api"
	SourceDatabase = "database"
)

type Config struct {
	Source     string
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	HTTPServer HTTPServerConfig
	API        APIConfig
	Map        MapConfig
	Log        LogConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	CacheTTL time.Duration
}

type KafkaConfig struct {
	Brokers       []string
	TopicRaw      string
	TopicChanges  string
	NumPartitions int
	BatchSize     int
	FlushInterval time.Duration
	// OfflineAfter is how long a device may stay quiet before it is marked disconnected
	OfflineAfter time.Duration
}

type HTTPServerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
	AllowedOrigins    []string
	InactivityTimeout time.Duration
	WriteTimeout      time.Duration
	MaxConnections    int
	SessionTimeout    time.Duration
}

// APIConfig points at the upstream tracking API
type APIConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// MapConfig holds pipeline tuning knobs
type MapConfig struct {
	// Owner is the user whose devices are listed when reading from the database
	Owner            string
	TimeZone         string
	Animate          bool
	ViewportThrottle time.Duration
	ClusterRadius    float64
	MaxClusterZoom   int
}

type LogConfig struct {
	Level  string
	Output string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	config := &Config{
		Source: getEnv("SOURCE", SourceAPI),
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "devicemap"),
			Password: getEnv("DB_PASSWORD", "devicemap"),
			DBName:   getEnv("DB_NAME", "devicemap"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			CacheTTL: getEnvAsDuration("REDIS_CACHE_TTL", 10*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:       splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			TopicRaw:      getEnv("KAFKA_TOPIC_RAW", "devicemap.locations.raw"),
			TopicChanges:  getEnv("KAFKA_TOPIC_CHANGES", "devicemap.locations.changes"),
			NumPartitions: getEnvAsInt("KAFKA_NUM_PARTITIONS", 10),
			BatchSize:     getEnvAsInt("KAFKA_BATCH_SIZE", 100),
			FlushInterval: getEnvAsDuration("KAFKA_FLUSH_INTERVAL", 5*time.Second),
			OfflineAfter:  getEnvAsDuration("DEVICE_OFFLINE_AFTER", 10*time.Minute),
		},
		HTTPServer: HTTPServerConfig{
			Port:              getEnvAsInt("HTTP_PORT", 8080),
			ReadHeaderTimeout: getEnvAsDuration("HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
			AllowedOrigins:    splitList(getEnv("WS_ALLOWED_ORIGINS", "")),
			InactivityTimeout: getEnvAsDuration("WS_INACTIVITY_TIMEOUT", 2*time.Minute),
			WriteTimeout:      getEnvAsDuration("WS_WRITE_TIMEOUT", 10*time.Second),
			MaxConnections:    getEnvAsInt("WS_MAX_CONNECTIONS", 10000),
			SessionTimeout:    getEnvAsDuration("SESSION_TIMEOUT", 30*time.Minute),
		},
		API: APIConfig{
			BaseURL: strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8000/api"), "/"),
			Token:   getEnv("API_TOKEN", ""),
			Timeout: getEnvAsDuration("API_TIMEOUT", 15*time.Second),
		},
		Map: MapConfig{
			Owner:            getEnv("MAP_OWNER", ""),
			TimeZone:         getEnv("MAP_TIMEZONE", "Local"),
			Animate:          getEnvAsBool("MAP_ANIMATE", true),
			ViewportThrottle: getEnvAsDuration("MAP_VIEWPORT_THROTTLE", 200*time.Millisecond),
			ClusterRadius:    getEnvAsFloat("MAP_CLUSTER_RADIUS", 40),
			MaxClusterZoom:   getEnvAsInt("MAP_MAX_CLUSTER_ZOOM", 16),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate rejects settings the pipeline cannot run with
func (c *Config) Validate() error {
	switch c.Source {
	case SourceAPI, SourceDatabase:
	default:
		return fmt.Errorf("unknown SOURCE %q (want %q or %q)", c.Source, SourceAPI, SourceDatabase)
	}

	if c.Map.ClusterRadius <= 0 {
		return fmt.Errorf("MAP_CLUSTER_RADIUS must be positive, got %v", c.Map.ClusterRadius)
	}
	if c.Map.MaxClusterZoom < 1 || c.Map.MaxClusterZoom > 24 {
		return fmt.Errorf("MAP_MAX_CLUSTER_ZOOM must be within 1..24, got %d", c.Map.MaxClusterZoom)
	}
	if c.Map.ViewportThrottle < 0 {
		return fmt.Errorf("MAP_VIEWPORT_THROTTLE must not be negative")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
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

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
