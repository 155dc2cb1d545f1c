package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Signaling SignalingConfig `yaml:"signaling"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

// WebRTCConfig holds the ICE servers handed to clients. TURN is only
// advertised when URL, username and credential are all set.
type WebRTCConfig struct {
	STUNURL        string `yaml:"stun_url"`
	TURNURL        string `yaml:"turn_url"`
	TURNUsername   string `yaml:"turn_username"`
	TURNCredential string `yaml:"turn_credential"`
}

type StoreConfig struct {
	// Driver is one of redis, mongo or memory.
	Driver  string        `yaml:"driver"`
	Timeout time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

type SignalingConfig struct {
	WSReadLimit     int64         `yaml:"ws_read_limit"`
	WSWriteTimeout  time.Duration `yaml:"ws_write_timeout"`
	WSPongTimeout   time.Duration `yaml:"ws_pong_timeout"`
	WSPingInterval  time.Duration `yaml:"ws_ping_interval"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	MaxRoomIDLength int           `yaml:"max_room_id_length"`
	PubSubEnabled   bool          `yaml:"pubsub_enabled"`
	InstanceID      string        `yaml:"instance_id"`

	// Zero disables the presence sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig reads the environment, after loading a .env file if one exists.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:            getEnv("CALL_HOST", "0.0.0.0"),
			Port:            getEnvInt("CALL_PORT", 8080),
			ReadTimeout:     time.Duration(getEnvInt("CALL_READ_TIMEOUT", 30)) * time.Second,
			WriteTimeout:    time.Duration(getEnvInt("CALL_WRITE_TIMEOUT", 30)) * time.Second,
			AllowedOrigins:  getEnvList("CALL_ALLOWED_ORIGINS", []string{"*"}),
			ShutdownTimeout: time.Duration(getEnvInt("CALL_SHUTDOWN_TIMEOUT", 10)) * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			JWTIssuer: getEnv("JWT_ISSUER", ""),
		},
		WebRTC: WebRTCConfig{
			STUNURL:        getEnv("STUN_URL", "stun:stun.l.google.com:19302"),
			TURNURL:        getEnv("TURN_URL", ""),
			TURNUsername:   getEnv("TURN_USERNAME", ""),
			TURNCredential: getEnv("TURN_CREDENTIAL", ""),
		},
		Store: StoreConfig{
			Driver:  strings.ToLower(getEnv("STORE_DRIVER", "redis")),
			Timeout: time.Duration(getEnvInt("STORE_TIMEOUT_MS", 5000)) * time.Millisecond,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGO_DB", "callroom"),
		},
		Signaling: SignalingConfig{
			WSReadLimit:     int64(getEnvInt("CALL_WS_READ_LIMIT", 524288)),
			WSWriteTimeout:  time.Duration(getEnvInt("CALL_WS_WRITE_TIMEOUT", 10)) * time.Second,
			WSPongTimeout:   time.Duration(getEnvInt("CALL_WS_PONG_TIMEOUT", 60)) * time.Second,
			WSPingInterval:  time.Duration(getEnvInt("CALL_WS_PING_INTERVAL", 54)) * time.Second,
			RateLimitPerSec: float64(getEnvInt("CALL_RATE_LIMIT_PER_SEC", 20)),
			RateLimitBurst:  getEnvInt("CALL_RATE_LIMIT_BURST", 40),
			MaxRoomIDLength: getEnvInt("CALL_MAX_ROOM_ID_LENGTH", 128),
			PubSubEnabled:   getEnvBool("CALL_PUBSUB_ENABLED", true),
			InstanceID:      getEnv("CALL_INSTANCE_ID", hostname()),
			SweepInterval:   time.Duration(getEnvInt("CALL_PRESENCE_SWEEP_INTERVAL_SEC", 0)) * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "callroom"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
