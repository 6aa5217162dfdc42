package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	ListenAddr string
	BaseURL    string
	Store      string

	DB struct {
		DSN string
	}

	LDAP struct {
		URL          string
		BindDN       string
		BindPassword string
		BaseDN       string
		Filter       string
	}

	Admin struct {
		User         string
		PasswordHash string
	}

	// LocalUsers maps an email address to a bcrypt hash. Used when no LDAP
	// server is configured.
	LocalUsers map[string]string

	JWT struct {
		Issuer        string
		JWKSURL       string
		PublicKeyFile string
	}

	AMQP struct {
		URL            string
		ExchangePrefix string
	}

	Directory struct {
		URL          string
		ClientID     string
		ClientSecret string
		TokenURL     string
	}

	Propagation struct {
		Workers int
		Retries int
	}

	InboxRetention time.Duration

	RateLimit struct {
		PerSecond float64
		Burst     int
	}

	Log struct {
		Level  string
		Format string
	}

	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = strings.TrimRight(getenvDefault("APP_BASE_URL", "http://localhost:8080"), "/")
	cfg.Store = strings.ToLower(getenvDefault("APP_STORE", StorePostgres))
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		var missing []string
		if host == "" {
			missing = append(missing, "APP_DB_HOST")
		}
		if name == "" {
			missing = append(missing, "APP_DB_NAME")
		}
		if user == "" {
			missing = append(missing, "APP_DB_USER")
		}
		if password == "" {
			missing = append(missing, "APP_DB_PASSWORD")
		}

		if len(missing) == 0 {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.LDAP.URL = os.Getenv("APP_LDAP_URL")
	cfg.LDAP.BindDN = os.Getenv("APP_LDAP_BIND_DN")
	cfg.LDAP.BindPassword = os.Getenv("APP_LDAP_BIND_PASSWORD")
	cfg.LDAP.BaseDN = os.Getenv("APP_LDAP_BASE_DN")
	cfg.LDAP.Filter = getenvDefault("APP_LDAP_FILTER", "(mail=%s)")

	cfg.Admin.User = getenvDefault("APP_ADMIN_USER", "admin")
	cfg.Admin.PasswordHash = os.Getenv("APP_ADMIN_PASSWORD_HASH")

	if cfg.LocalUsers, err = getenvUsers("APP_LOCAL_USERS"); err != nil {
		return nil, err
	}

	cfg.JWT.Issuer = os.Getenv("APP_JWT_ISSUER")
	cfg.JWT.JWKSURL = os.Getenv("APP_JWT_JWKS_URL")
	cfg.JWT.PublicKeyFile = os.Getenv("APP_JWT_PUBLIC_KEY_FILE")

	cfg.AMQP.URL = os.Getenv("APP_AMQP_URL")
	cfg.AMQP.ExchangePrefix = os.Getenv("APP_AMQP_EXCHANGE_PREFIX")

	cfg.Directory.URL = strings.TrimRight(os.Getenv("APP_DIRECTORY_URL"), "/")
	cfg.Directory.ClientID = os.Getenv("APP_DIRECTORY_CLIENT_ID")
	cfg.Directory.ClientSecret = os.Getenv("APP_DIRECTORY_CLIENT_SECRET")
	cfg.Directory.TokenURL = os.Getenv("APP_DIRECTORY_TOKEN_URL")

	if cfg.Propagation.Workers, err = getenvInt("APP_PROPAGATION_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.Propagation.Retries, err = getenvInt("APP_PROPAGATION_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.InboxRetention, err = getenvDuration("APP_INBOX_RETENTION", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.RateLimit.PerSecond, err = getenvFloat("APP_RATE_LIMIT", 20); err != nil {
		return nil, err
	}
	if cfg.RateLimit.Burst, err = getenvInt("APP_RATE_BURST", 40); err != nil {
		return nil, err
	}

	cfg.Log.Level = getenvDefault("APP_LOG_LEVEL", "info")
	cfg.Log.Format = getenvDefault("APP_LOG_FORMAT", "json")
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	switch cfg.Store {
	case StorePostgres:
		if cfg.DB.DSN == "" {
			return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("APP_STORE must be %q or %q (got %q)", StorePostgres, StoreMemory, cfg.Store)
	}
	if cfg.Propagation.Workers < 1 {
		return nil, fmt.Errorf("APP_PROPAGATION_WORKERS must be positive (got %d)", cfg.Propagation.Workers)
	}
	if cfg.Propagation.Retries < 0 {
		return nil, fmt.Errorf("APP_PROPAGATION_RETRIES must not be negative (got %d)", cfg.Propagation.Retries)
	}
	if cfg.LDAP.URL != "" && cfg.LDAP.BaseDN == "" {
		return nil, errors.New("APP_LDAP_BASE_DN is required when APP_LDAP_URL is set")
	}
	if cfg.JWT.JWKSURL != "" && cfg.JWT.PublicKeyFile != "" {
		return nil, errors.New("set only one of APP_JWT_JWKS_URL and APP_JWT_PUBLIC_KEY_FILE")
	}
	if cfg.Directory.URL != "" && cfg.Directory.ClientID != "" && cfg.Directory.TokenURL == "" {
		return nil, errors.New("APP_DIRECTORY_TOKEN_URL is required with APP_DIRECTORY_CLIENT_ID")
	}

	return cfg, nil
}

// LDAPEnabled reports whether credential checks go to a directory server.
func (c *Config) LDAPEnabled() bool { return c.LDAP.URL != "" }

// JWTEnabled reports whether bearer tokens are accepted.
func (c *Config) JWTEnabled() bool { return c.JWT.JWKSURL != "" || c.JWT.PublicKeyFile != "" }

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// getenvUsers parses "email=bcrypthash" pairs separated by commas.
func getenvUsers(key string) (map[string]string, error) {
	entries := getenvList(key)
	if len(entries) == 0 {
		return nil, nil
	}
	users := make(map[string]string, len(entries))
	for _, entry := range entries {
		email, hash, ok := strings.Cut(entry, "=")
		if !ok || strings.TrimSpace(email) == "" || strings.TrimSpace(hash) == "" {
			return nil, fmt.Errorf("%s: entry %q must be email=hash", key, entry)
		}
		users[strings.ToLower(strings.TrimSpace(email))] = strings.TrimSpace(hash)
	}
	return users, nil
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}
