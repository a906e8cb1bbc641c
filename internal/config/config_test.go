package config

import (
	"strings"
	"testing"
)

func devConfig() *Config {
	return &Config{
		Addr:                      ":8080",
		Environment:               "development",
		SessionTTLSeconds:         3600,
		RateLimitWindowSeconds:    60,
		RateLimitGeneralPerWindow: 200,
		RateLimitChatPerWindow:    100,
		CPUPauseThreshold:         80,
		LogLevel:                  "info",
		LogFormat:                 "json",
	}
}

func prodConfig() *Config {
	c := devConfig()
	c.Environment = "production"
	c.CORSAllowedOrigins = "https://chat.example.com"
	c.JWTSigningKey = strings.Repeat("k", 32)
	c.CookieSecure = true
	return c
}

func TestValidate_AcceptsDevelopmentDefaults(t *testing.T) {
	if err := devConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_DevelopmentFallsBackToDevSigningKey(t *testing.T) {
	c := devConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if c.JWTSigningKey == "" {
		t.Error("expected a development signing key to be filled in")
	}
}

func TestValidate_ProductionAcceptsSafeConfig(t *testing.T) {
	if err := prodConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidate_ProductionRefusesUnsafeConfigs(t *testing.T) {
	cases := map[string]func(*Config){
		"wildcard cors":    func(c *Config) { c.CORSAllowedOrigins = "*" },
		"empty cors":       func(c *Config) { c.CORSAllowedOrigins = "" },
		"missing jwt key":  func(c *Config) { c.JWTSigningKey = "" },
		"short jwt key":    func(c *Config) { c.JWTSigningKey = "short" },
		"insecure cookies": func(c *Config) { c.CookieSecure = false },
	}
	for name, mutate := range cases {
		c := prodConfig()
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected Validate to refuse", name)
		}
	}
}

func TestValidate_RefusesNonsenseValues(t *testing.T) {
	cases := map[string]func(*Config){
		"missing addr":     func(c *Config) { c.Addr = "" },
		"zero session ttl": func(c *Config) { c.SessionTTLSeconds = 0 },
		"zero window":      func(c *Config) { c.RateLimitWindowSeconds = 0 },
		"zero chat limit":  func(c *Config) { c.RateLimitChatPerWindow = 0 },
		"bad log level":    func(c *Config) { c.LogLevel = "verbose" },
		"bad log format":   func(c *Config) { c.LogFormat = "xml" },
		"cpu over 100":     func(c *Config) { c.CPUPauseThreshold = 150 },
	}
	for name, mutate := range cases {
		c := devConfig()
		mutate(c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected Validate to refuse", name)
		}
	}
}

func TestAllowedOrigins_SplitsAndTrims(t *testing.T) {
	c := devConfig()
	c.CORSAllowedOrigins = " https://a.example.com , https://b.example.com ,"
	got := c.AllowedOrigins()
	if len(got) != 2 || got[0] != "https://a.example.com" || got[1] != "https://b.example.com" {
		t.Errorf("got %v", got)
	}
}
