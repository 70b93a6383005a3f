package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultAppID names the record collection when CQM_APP_ID is unset.
const DefaultAppID = "edivy-cqm-app"

// fallbackProvider is the identity provider descriptor compiled into the
// build. Deployments override it with CQM_PROVIDER_CONFIG.
const fallbackProvider = `{
  "projectId": "edivy-cqm",
  "authDomain": "localhost",
  "apiKey": "cqm-local-dev"
}`

// ProviderConfig describes the identity provider deployment.
type ProviderConfig struct {
	ProjectID  string `json:"projectId"`
	AuthDomain string `json:"authDomain"`
	APIKey     string `json:"apiKey"`
}

type Config struct {
	Addr                string
	AppID               string
	Provider            ProviderConfig
	InitialAuthToken    string
	TokenSecret         string
	AllowAnonymous      bool
	AuthorizedDomains   []string
	AccessTTL           time.Duration
	DatabaseURL         string
	CORSOrigin          string
	CatalogFile         string
	LogLevel            string
	MeiliURL            string
	MeiliMasterKey      string
	RedisURL            string
	ExportEndpoint      string
	ExportAccessKey     string
	ExportSecretKey     string
	ExportBucket        string
	ExportUseSSL        bool
	ExportLinkTTL       time.Duration
	ShutdownGracePeriod time.Duration
	SessionReapInterval time.Duration
}

// Load reads the environment. Unset values fall back to local development
// defaults; only a malformed provider descriptor is an error.
func Load() (Config, error) {
	provider, err := parseProvider(getenv("CQM_PROVIDER_CONFIG", fallbackProvider))
	if err != nil {
		return Config{}, err
	}
	return Config{
		Addr:                getenv("API_ADDR", ":8787"),
		AppID:               getenv("CQM_APP_ID", DefaultAppID),
		Provider:            provider,
		InitialAuthToken:    getenv("CQM_INITIAL_AUTH_TOKEN", ""),
		TokenSecret:         getenv("CQM_TOKEN_SECRET", "cqm-dev-secret"),
		AllowAnonymous:      getenvBool("CQM_ALLOW_ANONYMOUS", true),
		AuthorizedDomains:   getenvList("CQM_AUTHORIZED_DOMAINS"),
		AccessTTL:           time.Duration(getenvInt("CQM_ACCESS_TTL_SECONDS", 43200)) * time.Second,
		DatabaseURL:         getenv("DATABASE_URL", "sqlite:./data/cqm.db"),
		CORSOrigin:          getenv("CQM_CORS_ORIGIN", "*"),
		CatalogFile:         getenv("CQM_CATALOG_FILE", ""),
		LogLevel:            getenv("CQM_LOG_LEVEL", "info"),
		MeiliURL:            getenv("MEILI_URL", ""),
		MeiliMasterKey:      getenv("MEILI_MASTER_KEY", ""),
		RedisURL:            getenv("REDIS_URL", ""),
		ExportEndpoint:      getenv("CQM_EXPORT_ENDPOINT", ""),
		ExportAccessKey:     getenv("CQM_EXPORT_ACCESS_KEY", ""),
		ExportSecretKey:     getenv("CQM_EXPORT_SECRET_KEY", ""),
		ExportBucket:        getenv("CQM_EXPORT_BUCKET", "cqm-exports"),
		ExportUseSSL:        getenvBool("CQM_EXPORT_USE_SSL", false),
		ExportLinkTTL:       time.Duration(getenvInt("CQM_EXPORT_LINK_TTL_SECONDS", 900)) * time.Second,
		ShutdownGracePeriod: time.Duration(getenvInt("CQM_SHUTDOWN_GRACE_SECONDS", 10)) * time.Second,
		SessionReapInterval: time.Duration(getenvInt("CQM_SESSION_REAP_SECONDS", 60)) * time.Second,
	}, nil
}

func parseProvider(raw string) (ProviderConfig, error) {
	var provider ProviderConfig
	if err := json.Unmarshal([]byte(raw), &provider); err != nil {
		return ProviderConfig{}, fmt.Errorf("CQM_PROVIDER_CONFIG: %w", err)
	}
	return provider, nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvList splits a comma-separated value, dropping blanks.
func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
