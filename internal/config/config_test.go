package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		SMTP:  SMTPConfig{Host: "smtp.example.org", From: "buoy@example.org"},
		Links: LinksConfig{BaseURL: "https://buoy.example.org"},
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing base url", func(c *Config) { c.Links.BaseURL = " " }, "links.base_url"},
		{"missing smtp host", func(c *Config) { c.SMTP.Host = "" }, "smtp.host"},
		{"missing smtp from", func(c *Config) { c.SMTP.From = "" }, "smtp.from"},
		{"bad busy timeout", func(c *Config) { c.Store.BusyTimeout = "fast" }, "store.busy_timeout"},
		{"bad send timeout", func(c *Config) { c.Dispatch.SendTimeout = "10" }, "dispatch.send_timeout"},
		{"negative workers", func(c *Config) { c.Dispatch.Workers = -1 }, "dispatch"},
		{"gateway without at", func(c *Config) {
			c.SMS.Gateways = map[string][]string{"Acme": {"sms.acme.example"}}
		}, "sms.gateways"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestBaseURLTrimsTrailingSlash(t *testing.T) {
	cfg := validConfig()
	cfg.Links.BaseURL = "https://buoy.example.org/"
	if got := cfg.BaseURL(); got != "https://buoy.example.org" {
		t.Fatalf("BaseURL = %q", got)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
logging:
  level: debug
  console: true
store:
  driver: sqlite
  path: /var/lib/buoy/buoy.db
  busy_timeout: 5s
smtp:
  host: smtp.example.org
  port: 587
  from: buoy@example.org
dispatch:
  workers: 8
  send_timeout: 15s
  sweep_schedule: "@every 5m"
sms:
  gateway_overhead: 7
  gateways:
    Acme: ["@sms.acme.example"]
links:
  base_url: https://buoy.example.org
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Dispatch.Workers != 8 || cfg.Dispatch.SweepSchedule != "@every 5m" {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if got := cfg.SMS.Gateways["Acme"]; len(got) != 1 || got[0] != "@sms.acme.example" {
		t.Fatalf("gateways = %v", cfg.SMS.Gateways)
	}
	d, err := ParseDurationField("dispatch.send_timeout", cfg.Dispatch.SendTimeout)
	if err != nil || d != 15*time.Second {
		t.Fatalf("send_timeout = %v, %v", d, err)
	}
	if m.Get() != cfg {
		t.Fatal("Load must commit the parsed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
smtp:
  host: smtp.example.org
  from: buoy@example.org
  tls_mode: always
links:
  base_url: https://buoy.example.org
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown field must be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", "750ms"); err != nil || d != 750*time.Millisecond {
		t.Fatalf("750ms = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("bad duration must error")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	if d, err := ParseDurationOrDefault("x", "", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("empty = %v, %v; want default", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "2s", 5*time.Second); err != nil || d != 2*time.Second {
		t.Fatalf("2s = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "soon", time.Second); err == nil {
		t.Fatal("bad duration must error")
	}
}
