// Package config loads service configuration from the environment and
// holds the per-session tuning knobs.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the service configuration. The .env file is loaded in
// main.go for local development using godotenv.Load().
type Config struct {
	// Server
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// OpenAI realtime
	OpenAIAPIKey  string
	OpenAIBaseURL string
	RealtimeModel string
	RealtimeVoice string

	// Twilio (human-transfer fallback)
	TwilioAccountSID  string
	TwilioAuthToken   string
	TransferNumber    string
	TransferActionURL string

	// Dashboard API (call records, events, tools)
	DashboardBaseURL string
	CallJWTSecret    string

	// Redis (session monitoring, tenant cache)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Tenant fallback when no configuration is found for a dialed number
	DefaultTenantID string
}

// Load reads the configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:         getEnv("PORT", "8080"),
		ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
		WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),

		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", "wss://api.openai.com"),
		RealtimeModel: getEnv("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice: getEnv("OPENAI_REALTIME_VOICE", "alloy"),

		TwilioAccountSID:  getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:   getEnv("TWILIO_AUTH_TOKEN", ""),
		TransferNumber:    getEnv("TRANSFER_NUMBER", ""),
		TransferActionURL: getEnv("TRANSFER_ACTION_URL", ""),

		DashboardBaseURL: getEnv("DASHBOARD_BASE_URL", "http://localhost:8000"),
		CallJWTSecret:    getEnv("CALL_JWT_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		DefaultTenantID: getEnv("DEFAULT_TENANT_ID", ""),
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
