package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Origin            string // scheme + host all local IRIs live under
	Port              string
	Username          string
	DisplayName       string
	Summary           string
	DatabaseURL       string
	RedisURL          string
	RSAPrivateKeyPath string
	RSAPublicKeyPath  string
	SignatureSkew     time.Duration
	LogLevel          string
}

// Load reads configuration from environment variables. Exits when ORIGIN
// is not a usable absolute URL.
func Load() *Config {
	origin := getEnv("ORIGIN", "http://localhost:8000")
	if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
		fmt.Fprintf(os.Stderr, "ERROR: ORIGIN %q is not an absolute URL\n", origin)
		os.Exit(1)
	}

	username := getEnv("USERNAME", "weft")
	displayName := getEnv("DISPLAY_NAME", username)

	return &Config{
		Origin:            strings.TrimRight(origin, "/"),
		Port:              getEnv("PORT", "8000"),
		Username:          username,
		DisplayName:       displayName,
		Summary:           os.Getenv("SUMMARY"),
		DatabaseURL:       getEnv("DATABASE_URL", "weft.db"),
		RedisURL:          os.Getenv("REDIS_URL"),
		RSAPrivateKeyPath: getEnv("RSA_PRIVATE_KEY_PATH", "private.pem"),
		RSAPublicKeyPath:  getEnv("RSA_PUBLIC_KEY_PATH", "public.pem"),
		SignatureSkew:     parseDuration(os.Getenv("SIGNATURE_SKEW"), 30*time.Second),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}
}

// URL returns the parsed origin.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.Origin)
	return u
}

// BaseURL constructs an absolute URL from a path.
func (c *Config) BaseURL(path string) string {
	return c.Origin + path
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
