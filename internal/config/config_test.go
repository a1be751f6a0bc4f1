package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("API_KEYS", "alpha, beta")
	t.Setenv("CITIES", "nyc=https://nyc.example.org/open311, sf=https://sf.example.org/")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)

	s, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "redis://redis:6379/0", s.RedisURL)
	assert.Equal(t, 60*time.Second, s.PollInterval)
	assert.Equal(t, 24*time.Hour, s.RecordTTL)
	assert.Equal(t, 100, s.PageSize)
	assert.Equal(t, []string{"o4-mini"}, s.Models)
	assert.Equal(t, []string{"alpha", "beta"}, s.APIKeys)
	// trailing slash stripped
	assert.Equal(t, "https://sf.example.org", s.Cities["sf"])
	assert.Equal(t, "https://nyc.example.org/open311", s.Cities["nyc"])
}

func TestFromEnvMissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("OPENAI_API_KEY", "")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "OPENAI_API_KEY")

	setRequired(t)
	t.Setenv("API_KEYS", " , ")
	_, err = FromEnv()
	assert.ErrorContains(t, err, "API_KEYS")

	setRequired(t)
	t.Setenv("CITIES", "")
	_, err = FromEnv()
	assert.ErrorContains(t, err, "no cities")
}

func TestFromEnvModelChain(t *testing.T) {
	setRequired(t)
	t.Setenv("MODELS", "o4-mini, gpt-4.1-mini ,gpt-4.1")

	s, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"o4-mini", "gpt-4.1-mini", "gpt-4.1"}, s.Models)
}

func TestFromEnvMalformedCityPair(t *testing.T) {
	setRequired(t)
	t.Setenv("CITIES", "nyc")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "malformed CITIES entry")
}

func TestFromEnvInvalidBaseURL(t *testing.T) {
	setRequired(t)
	t.Setenv("CITIES", "nyc=not a url")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "invalid base URL")
}

func TestCitiesFileMergesOverEnv(t *testing.T) {
	setRequired(t)

	path := filepath.Join(t.TempDir(), "cities.yaml")
	data := "nyc: https://nyc-override.example.org\noakland: https://oakland.example.org\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	t.Setenv("CITIES_FILE", path)

	s, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "https://nyc-override.example.org", s.Cities["nyc"])
	assert.Equal(t, "https://oakland.example.org", s.Cities["oakland"])
	assert.Equal(t, "https://sf.example.org", s.Cities["sf"])
}

func TestFromEnvBadInterval(t *testing.T) {
	setRequired(t)
	t.Setenv("POLL_INTERVAL", "soon")
	_, err := FromEnv()
	assert.ErrorContains(t, err, "POLL_INTERVAL")
}
