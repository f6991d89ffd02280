// Package config loads server configuration from environment variables and
// per-tenant workflow profiles from YAML.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	DatabaseURL string
	RedisURL    string
	SigningKey  string
	ProfilesDir string
	Profile     string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to a local SQLite file so the server runs with no
		// infrastructure.
		dbURL = "sqlite://signet.db"
	}

	profilesDir := os.Getenv("PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	profile := os.Getenv("WORKFLOW_PROFILE")
	if profile == "" {
		profile = "default"
	}

	return &Config{
		Port:        port,
		LogLevel:    logLevel,
		DatabaseURL: dbURL,
		RedisURL:    os.Getenv("REDIS_URL"),
		SigningKey:  os.Getenv("SESSION_SIGNING_KEY"),
		ProfilesDir: profilesDir,
		Profile:     profile,
	}
}
