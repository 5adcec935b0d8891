package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"telemetry-bridge/internal/sequence"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	AuthKey         string
	AuthMaxFailures int

	OutOfOrderPolicy sequence.Policy
	// StatsWindow is the rollover interval of the aggregator. Zero keeps a
	// single window for the lifetime of the process.
	StatsWindow time.Duration

	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	MQTTTopic    string
	MQTTUsername string
	MQTTPassword string

	Driver          string
	DSN             string
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	WSWriteTimeout time.Duration
	WSSendBuffer   int
}

func LoadFromEnv() (Config, error) {
	appEnv := env("APP_ENV", "dev")
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(env("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	// Not trimmed: clients must present the key byte for byte.
	authKey := os.Getenv("AUTH_KEY")
	if strings.TrimSpace(authKey) == "" {
		return Config{}, fmt.Errorf("AUTH_KEY is required")
	}
	authMaxFailures, err := envInt("AUTH_MAX_FAILURES", 3)
	if err != nil {
		return Config{}, err
	}
	if authMaxFailures < 1 {
		return Config{}, fmt.Errorf("invalid AUTH_MAX_FAILURES %d (must be >= 1)", authMaxFailures)
	}

	policy, err := sequence.ParsePolicy(env("SEQ_OUT_OF_ORDER_POLICY", "reject"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid SEQ_OUT_OF_ORDER_POLICY: %w", err)
	}
	statsWindow, err := envDuration("STATS_WINDOW", "0s")
	if err != nil {
		return Config{}, err
	}
	if statsWindow < 0 {
		return Config{}, fmt.Errorf("invalid STATS_WINDOW %s (must be >= 0)", statsWindow)
	}

	mqttPort, err := envInt("MQTT_PORT", 1883)
	if err != nil {
		return Config{}, err
	}
	if mqttPort < 1 || mqttPort > 65535 {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %d (allowed: 1-65535)", mqttPort)
	}

	cfg, err := LoadDatabaseFromEnv()
	if err != nil {
		return Config{}, err
	}

	wsWriteTimeout, err := envDuration("WS_WRITE_TIMEOUT", "10s")
	if err != nil {
		return Config{}, err
	}
	wsSendBuffer, err := envInt("WS_SEND_BUFFER", 64)
	if err != nil {
		return Config{}, err
	}
	if wsSendBuffer < 1 {
		return Config{}, fmt.Errorf("invalid WS_SEND_BUFFER %d (must be >= 1)", wsSendBuffer)
	}

	cfg.AppEnv = appEnv
	cfg.LogLevel = level
	cfg.HTTPAddr = env("HTTP_ADDR", ":8080")

	cfg.AuthKey = authKey
	cfg.AuthMaxFailures = authMaxFailures

	cfg.OutOfOrderPolicy = policy
	cfg.StatsWindow = statsWindow

	cfg.MQTTBroker = env("MQTT_BROKER", "localhost")
	cfg.MQTTPort = mqttPort
	cfg.MQTTClientID = env("MQTT_CLIENT_ID", "telemetry-bridge")
	cfg.MQTTTopic = env("MQTT_TOPIC", "classroom/+/telemetry")
	cfg.MQTTUsername = strings.TrimSpace(os.Getenv("MQTT_USERNAME"))
	cfg.MQTTPassword = strings.TrimSpace(os.Getenv("MQTT_PASSWORD"))

	cfg.WSWriteTimeout = wsWriteTimeout
	cfg.WSSendBuffer = wsSendBuffer
	return cfg, nil
}

// LoadDatabaseFromEnv reads only the database settings.
func LoadDatabaseFromEnv() (Config, error) {
	maxOpenConns, err := envInt("DB_MAX_OPEN_CONNS", 1)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := envInt("DB_MAX_IDLE_CONNS", 1)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := envDuration("DB_CONN_MAX_LIFETIME", "0s")
	if err != nil {
		return Config{}, err
	}

	return Config{
		Driver:          env("DB_DRIVER", "sqlite3"),
		DSN:             strings.TrimSpace(os.Getenv("DB_DSN")),
		Path:            env("SQLITE_PATH", "data/telemetry.db"),
		MaxOpenConns:    maxOpenConns,
		MaxIdleConns:    maxIdleConns,
		ConnMaxLifetime: connMaxLifetime,
	}, nil
}

func env(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) (int, error) {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return n, nil
}

func envDuration(key, def string) (time.Duration, error) {
	s := env(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
