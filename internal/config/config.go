// Package config builds validated process-wide settings from the
// environment. Nothing here reads the environment at import time; callers
// build Settings once at startup and pass it down.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Settings holds everything the server and the ingest pipeline need.
type Settings struct {
	OpenAIAPIKey string
	APIKeys      []string
	RedisURL     string
	PollInterval time.Duration
	Cities       map[string]string // city name -> upstream base URL
	Models       []string          // classifier fallback chain, in order
	HTTPAddr     string
	PageSize     int
	RecordTTL    time.Duration
}

// FromEnv reads and validates all settings. It fails fast on missing
// required keys so no poller starts against a half-built configuration.
func FromEnv() (*Settings, error) {
	s := &Settings{
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		RedisURL:     envOr("REDIS_URL", "redis://redis:6379/0"),
		HTTPAddr:     envOr("HTTP_ADDR", ":8080"),
	}

	if s.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("config: OPENAI_API_KEY is required")
	}

	for _, k := range strings.Split(os.Getenv("API_KEYS"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			s.APIKeys = append(s.APIKeys, k)
		}
	}
	if len(s.APIKeys) == 0 {
		return nil, fmt.Errorf("config: API_KEYS is required")
	}

	interval, err := envInt("POLL_INTERVAL", 60)
	if err != nil {
		return nil, err
	}
	s.PollInterval = time.Duration(interval) * time.Second

	s.PageSize, err = envInt("PAGE_SIZE", 100)
	if err != nil {
		return nil, err
	}

	ttl, err := envInt("RECORD_TTL_SECONDS", 86400)
	if err != nil {
		return nil, err
	}
	s.RecordTTL = time.Duration(ttl) * time.Second

	s.Cities, err = loadCities(os.Getenv("CITIES"), os.Getenv("CITIES_FILE"))
	if err != nil {
		return nil, err
	}
	if len(s.Cities) == 0 {
		return nil, fmt.Errorf("config: no cities configured (set CITIES or CITIES_FILE)")
	}

	for _, m := range strings.Split(envOr("MODELS", "o4-mini"), ",") {
		if m = strings.TrimSpace(m); m != "" {
			s.Models = append(s.Models, m)
		}
	}

	return s, nil
}

// loadCities merges the CITIES env pairs ("name=url,name=url") with an
// optional YAML mapping file. File entries win on collision.
func loadCities(pairs, file string) (map[string]string, error) {
	cities := make(map[string]string)

	for _, pair := range strings.Split(pairs, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, base, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("config: malformed CITIES entry %q (want name=url)", pair)
		}
		cities[strings.TrimSpace(name)] = strings.TrimSpace(base)
	}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("config: read cities file: %w", err)
		}
		var fromFile map[string]string
		if err := yaml.Unmarshal(data, &fromFile); err != nil {
			return nil, fmt.Errorf("config: parse cities file: %w", err)
		}
		for name, base := range fromFile {
			cities[name] = base
		}
	}

	for name, base := range cities {
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("config: city %q has invalid base URL %q", name, base)
		}
		cities[name] = strings.TrimRight(base, "/")
	}

	return cities, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, v)
	}
	return n, nil
}
