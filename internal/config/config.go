package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Port          int
	MasterSecret  string
	GinMode       string
	TLSCertFile   string
	TLSKeyFile    string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	SeedUsers     []SeedUser
}

type SeedUser struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	UserType  string
}

type ClientConfig struct {
	APIURL               string
	WSURL                string
	Email                string
	Password             string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	TypingDebounce       time.Duration
	FetchTimeout         time.Duration
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// LoadDotEnv loads the given files (".env" when none) into the process
// environment. Missing files are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func LoadServerConfig() (ServerConfig, error) {
	return LoadServerConfigFromEnv(osEnv{})
}

func LoadClientConfig() (ClientConfig, error) {
	return LoadClientConfigFromEnv(osEnv{})
}

func LoadServerConfigFromEnv(env Env) (ServerConfig, error) {
	cfg := ServerConfig{
		Port:          8000,
		GinMode:       "release",
		AccessExpiry:  time.Hour,
		RefreshExpiry: 7 * 24 * time.Hour,
	}

	if raw := env.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil || port <= 0 || port > 65535 {
			return ServerConfig{}, fmt.Errorf("invalid PORT")
		}
		cfg.Port = port
	}

	cfg.MasterSecret = env.Getenv("MASTER_SECRET")
	if cfg.MasterSecret == "" {
		return ServerConfig{}, fmt.Errorf("MASTER_SECRET is required")
	}

	if raw := env.Getenv("GIN_MODE"); raw != "" {
		cfg.GinMode = raw
	}

	cfg.TLSCertFile = env.Getenv("TLS_CERT_FILE")
	cfg.TLSKeyFile = env.Getenv("TLS_KEY_FILE")
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return ServerConfig{}, fmt.Errorf("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	var err error
	if cfg.AccessExpiry, err = seconds(env, "ACCESS_TOKEN_EXPIRY_SECONDS", cfg.AccessExpiry); err != nil {
		return ServerConfig{}, err
	}
	if cfg.RefreshExpiry, err = seconds(env, "REFRESH_TOKEN_EXPIRY_SECONDS", cfg.RefreshExpiry); err != nil {
		return ServerConfig{}, err
	}

	if raw := env.Getenv("SEED_USERS"); raw != "" {
		users, err := parseSeedUsers(raw)
		if err != nil {
			return ServerConfig{}, err
		}
		cfg.SeedUsers = users
	}

	return cfg, nil
}

func LoadClientConfigFromEnv(env Env) (ClientConfig, error) {
	cfg := ClientConfig{
		APIURL:               "http://localhost:8000/api",
		WSURL:                "ws://localhost:8000/ws/chat/",
		MaxReconnectAttempts: 5,
		ReconnectDelay:       time.Second,
		TypingDebounce:       time.Second,
		FetchTimeout:         10 * time.Second,
	}

	if raw := env.Getenv("CHAT_API_URL"); raw != "" {
		cfg.APIURL = raw
	}
	if u, err := url.Parse(cfg.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ClientConfig{}, fmt.Errorf("invalid CHAT_API_URL")
	}
	if raw := env.Getenv("CHAT_WS_URL"); raw != "" {
		cfg.WSURL = raw
	}
	if u, err := url.Parse(cfg.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return ClientConfig{}, fmt.Errorf("invalid CHAT_WS_URL")
	}

	cfg.Email = env.Getenv("CHAT_EMAIL")
	cfg.Password = env.Getenv("CHAT_PASSWORD")

	if raw := env.Getenv("RECONNECT_MAX_ATTEMPTS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return ClientConfig{}, fmt.Errorf("invalid RECONNECT_MAX_ATTEMPTS")
		}
		cfg.MaxReconnectAttempts = n
	}

	var err error
	if cfg.ReconnectDelay, err = millis(env, "RECONNECT_DELAY_MS", cfg.ReconnectDelay); err != nil {
		return ClientConfig{}, err
	}
	if cfg.TypingDebounce, err = millis(env, "TYPING_DEBOUNCE_MS", cfg.TypingDebounce); err != nil {
		return ClientConfig{}, err
	}
	if cfg.FetchTimeout, err = seconds(env, "FETCH_TIMEOUT_SECONDS", cfg.FetchTimeout); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

func seconds(env Env, key string, def time.Duration) (time.Duration, error) {
	return positive(env, key, def, time.Second)
}

func millis(env Env, key string, def time.Duration) (time.Duration, error) {
	return positive(env, key, def, time.Millisecond)
}

func positive(env Env, key string, def, unit time.Duration) (time.Duration, error) {
	raw := env.Getenv(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return time.Duration(n) * unit, nil
}

// parseSeedUsers reads "email:password:First:Last[:type]" entries separated
// by commas.
func parseSeedUsers(raw string) ([]SeedUser, error) {
	var users []SeedUser
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 4 || len(parts) > 5 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid SEED_USERS entry %q", entry)
		}
		u := SeedUser{Email: parts[0], Password: parts[1], FirstName: parts[2], LastName: parts[3], UserType: "alumni"}
		if len(parts) == 5 && parts[4] != "" {
			u.UserType = parts[4]
		}
		users = append(users, u)
	}
	return users, nil
}
