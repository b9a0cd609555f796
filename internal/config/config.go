package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	OriginDefault      = "http://localhost:3000"
	BaseAddressDefault = "/api"
	TokenPathDefault   = "/auth/token"
	SignInRouteDefault = "/login"
	ClientIDDefault    = "traffic-console"
	TimeoutDefault     = 15 * time.Second
)

// Config holds all client configuration.
type Config struct {
	// Origin is the console's own origin; relative request targets resolve
	// against it.
	Origin        string
	BaseAddress   string
	TokenPath     string
	SignInRoute   string
	ClientID      string
	Timeout       time.Duration
	SameOrigin    bool
	InternalHosts []string
	Verbose       bool
	Debug         bool
}

// DefaultFromEnv creates a Config with defaults from environment variables.
func DefaultFromEnv() *Config {
	return &Config{
		Origin:        envRaw("TRAFFICDESK_ORIGIN", OriginDefault),
		BaseAddress:   envRaw("TRAFFICDESK_API_BASE", BaseAddressDefault),
		TokenPath:     envRaw("TRAFFICDESK_TOKEN_PATH", TokenPathDefault),
		SignInRoute:   envRaw("TRAFFICDESK_SIGN_IN_ROUTE", SignInRouteDefault),
		ClientID:      envRaw("TRAFFICDESK_CLIENT_ID", ClientIDDefault),
		Timeout:       envDuration("TRAFFICDESK_TIMEOUT", TimeoutDefault),
		SameOrigin:    envBoolDefault("TRAFFICDESK_SAME_ORIGIN", true),
		InternalHosts: envList("TRAFFICDESK_INTERNAL_HOSTS", []string{"api"}),
		Verbose:       envBool("TRAFFICDESK_VERBOSE"),
		Debug:         envBool("TRAFFICDESK_DEBUG"),
	}
}

// Validate checks the fields the client cannot recover from on its own.
// Base addresses are deliberately not checked here; the sanitizer owns them.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return fmt.Errorf("invalid origin %q: %w", c.Origin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid origin %q: scheme must be http or https", c.Origin)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid origin %q: missing host", c.Origin)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout %s: must be positive", c.Timeout)
	}
	return nil
}

func envRaw(key, defaultVal string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envList(key string, defaultVal []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func envBoolDefault(key string, defaultVal bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return defaultVal
	case "0", "false", "no", "off":
		return false
	}
	return envBool(key)
}
