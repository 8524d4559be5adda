package config

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Port        string      `yaml:"port" env:"PORT" env-default:"8084"`
	JWTSecret   string      `yaml:"jwt_secret" env:"JWT_SECRET" env-required:"true"`
	Reservation Reservation `yaml:"reservation"`
	Realtime    Realtime    `yaml:"realtime"`
	Kafka       Kafka       `yaml:"kafka"`
	Redis       Redis       `yaml:"redis"`
	Dedup       Dedup       `yaml:"dedup"`
	Cache       Cache       `yaml:"cache"`
	Locks       Locks       `yaml:"locks"`
}

type Reservation struct {
	BaseURL   string `yaml:"base_url" env:"RESERVATION_SERVICE_URL" env-default:"http://reservation-service:8081"`
	TokenPath string `yaml:"token_path" env:"RESERVATION_TOKEN_PATH" env-default:"/api/realtime/token"`

	// HTTP Connection Pool Settings
	MaxIdleConns        int `yaml:"max_idle_conns" env:"HTTP_MAX_IDLE_CONNS" env-default:"20"`
	MaxIdleConnsPerHost int `yaml:"max_idle_conns_per_host" env:"HTTP_MAX_IDLE_CONNS_PER_HOST" env-default:"10"`
	MaxConnsPerHost     int `yaml:"max_conns_per_host" env:"HTTP_MAX_CONNS_PER_HOST" env-default:"20"`
	IdleConnTimeout     int `yaml:"idle_conn_timeout_seconds" env:"HTTP_IDLE_CONN_TIMEOUT" env-default:"90"`
	RequestTimeout      int `yaml:"request_timeout_seconds" env:"HTTP_REQUEST_TIMEOUT" env-default:"30"`
}

type Realtime struct {
	// Driver selects the push transport: "websocket" or "kafka".
	Driver string `yaml:"driver" env:"REALTIME_DRIVER" env-default:"websocket"`
	URL    string `yaml:"url" env:"REALTIME_URL" env-default:"ws://reservation-service:8081/api/realtime"`

	InitialBackoffMS int `yaml:"initial_backoff_ms" env:"REALTIME_INITIAL_BACKOFF_MS" env-default:"500"`
	MaxBackoffMS     int `yaml:"max_backoff_ms" env:"REALTIME_MAX_BACKOFF_MS" env-default:"30000"`
	MaxAttempts      int `yaml:"max_attempts" env:"REALTIME_MAX_ATTEMPTS" env-default:"8"`
}

type Kafka struct {
	Brokers           []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092" env-separator:","`
	NotificationTopic string   `yaml:"notification_topic" env:"KAFKA_NOTIFICATION_TOPIC" env-default:"platform-events"`
	BookingTopic      string   `yaml:"booking_topic" env:"KAFKA_BOOKING_TOPIC" env-default:"club-booking-events"`
	ConsumerGroup     string   `yaml:"consumer_group" env:"KAFKA_CONSUMER_GROUP" env-default:"availability-service"`
}

type Redis struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD" env-default:""`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

func (r *Redis) GetRedisURL() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

type Dedup struct {
	// Driver selects the dedup store: "memory" or "redis".
	Driver   string `yaml:"driver" env:"DEDUP_DRIVER" env-default:"memory"`
	WindowMS int    `yaml:"window_ms" env:"DEDUP_WINDOW_MS" env-default:"5000"`
}

type Cache struct {
	// Short TTL: push events keep scopes fresh between fetches.
	BookingTTLSeconds int `yaml:"booking_ttl_seconds" env:"CACHE_BOOKING_TTL" env-default:"60"`
}

type Locks struct {
	TTLMinutes           int `yaml:"ttl_minutes" env:"LOCK_TTL_MINUTES" env-default:"5"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds" env:"LOCK_SWEEP_INTERVAL" env-default:"30"`
}

func Initialise(configPath string, useEnv bool) (*Config, error) {
	cfg := &Config{}

	if useEnv {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment variables: %w", err)
		}
		return cfg, nil
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := cleanenv.ReadConfig(configPath, cfg); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
			return cfg, nil
		}
	}

	// Fallback to environment variables
	if err := cleanenv.ReadEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment variables: %w", err)
	}

	return cfg, nil
}
