package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"CQM_APP_ID", "CQM_PROVIDER_CONFIG", "CQM_ALLOW_ANONYMOUS", "CQM_AUTHORIZED_DOMAINS", "DATABASE_URL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultAppID, cfg.AppID)
	assert.Equal(t, "edivy-cqm", cfg.Provider.ProjectID)
	assert.True(t, cfg.AllowAnonymous)
	assert.Empty(t, cfg.AuthorizedDomains)
	assert.Equal(t, 12*time.Hour, cfg.AccessTTL)
	assert.Equal(t, "sqlite:./data/cqm.db", cfg.DatabaseURL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CQM_APP_ID", "tenant-a")
	t.Setenv("CQM_PROVIDER_CONFIG", `{"projectId":"prod-cqm","authDomain":"cqm.example.com","apiKey":"k"}`)
	t.Setenv("CQM_ALLOW_ANONYMOUS", "false")
	t.Setenv("CQM_AUTHORIZED_DOMAINS", "cqm.example.com, localhost ,,")
	t.Setenv("CQM_ACCESS_TTL_SECONDS", "60")
	t.Setenv("CQM_EXPORT_USE_SSL", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", cfg.AppID)
	assert.Equal(t, ProviderConfig{ProjectID: "prod-cqm", AuthDomain: "cqm.example.com", APIKey: "k"}, cfg.Provider)
	assert.False(t, cfg.AllowAnonymous)
	assert.Equal(t, []string{"cqm.example.com", "localhost"}, cfg.AuthorizedDomains)
	assert.Equal(t, time.Minute, cfg.AccessTTL)
	// Unparseable booleans keep the fallback.
	assert.False(t, cfg.ExportUseSSL)
}

func TestLoadRejectsMalformedProvider(t *testing.T) {
	t.Setenv("CQM_PROVIDER_CONFIG", "{not json")
	_, err := Load()
	assert.ErrorContains(t, err, "CQM_PROVIDER_CONFIG")
}

func TestGetenvIntFallback(t *testing.T) {
	t.Setenv("CQM_TEST_INT", "abc")
	assert.Equal(t, 7, getenvInt("CQM_TEST_INT", 7))
	t.Setenv("CQM_TEST_INT", "42")
	assert.Equal(t, 42, getenvInt("CQM_TEST_INT", 7))
}
