// Package config loads notepush's runtime configuration from the
// environment with a defaults-then-overlay shape: each optional variable
// falls back to a default when unset or empty, and the APNs key, team and
// topic variables are required.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Environment selects which APNs gateway to talk to.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentProduction  Environment = "production"
)

// Config holds every environment-derived setting notepush needs to run.
type Config struct {
	Host string
	Port string

	DBPath string

	RelayURL string

	APIBaseURL string

	APNSAuthPrivateKeyFilePath string
	APNSAuthPrivateKeyID       string
	AppleTeamID                string
	APNSEnvironment            Environment
	APNSTopic                  string
}

// Addr returns the host:port pair to bind the listener to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Load reads configuration from the process environment. A ".env" file in
// the working directory is loaded first if present; it never overrides
// variables already set in the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	c := &Config{
		Host:            getEnv("HOST", "0.0.0.0"),
		Port:            getEnv("PORT", "8000"),
		DBPath:          getEnv("DB_PATH", "./apns_notifications.db"),
		RelayURL:        getEnv("RELAY_URL", "wss://relay.damus.io"),
		APNSTopic:       os.Getenv("APNS_TOPIC"),
		APNSEnvironment: parseEnvironment(getEnv("APNS_ENVIRONMENT", string(EnvironmentDevelopment))),
	}

	c.APIBaseURL = getEnv("API_BASE_URL", fmt.Sprintf("https://%s:%s", c.Host, c.Port))

	c.APNSAuthPrivateKeyFilePath = os.Getenv("APNS_AUTH_PRIVATE_KEY_FILE_PATH")
	c.APNSAuthPrivateKeyID = os.Getenv("APNS_AUTH_PRIVATE_KEY_ID")
	c.AppleTeamID = os.Getenv("APPLE_TEAM_ID")

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks that every required variable was supplied.
func (c *Config) Validate() error {
	var missing []string
	if c.APNSAuthPrivateKeyFilePath == "" {
		missing = append(missing, "APNS_AUTH_PRIVATE_KEY_FILE_PATH")
	}
	if c.APNSAuthPrivateKeyID == "" {
		missing = append(missing, "APNS_AUTH_PRIVATE_KEY_ID")
	}
	if c.AppleTeamID == "" {
		missing = append(missing, "APPLE_TEAM_ID")
	}
	if c.APNSTopic == "" {
		missing = append(missing, "APNS_TOPIC")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %v", missing)
	}
	return nil
}

func parseEnvironment(s string) Environment {
	switch s {
	case string(EnvironmentProduction):
		return EnvironmentProduction
	default:
		return EnvironmentDevelopment
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
