package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Store    StoreConfig    `json:"store"`
	SMTP     SMTPConfig     `json:"smtp"`
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
	SMS      SMSConfig      `json:"sms,omitempty"`
	Links    LinksConfig    `json:"links"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StoreConfig controls the record store backend.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process maps, not persisted (tests, ephemeral runs)
type StoreConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// From is the envelope sender; alert mail overrides the From header
	// per alerter so replies route to them.
	From string `json:"from"`
}

// DispatchConfig controls the alert fan-out worker pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 256
//   - rate_per_sec: 10
//   - send_timeout: "10s"
//   - sweep_schedule: "@every 10m" (robfig/cron spec; "" disables the sweep)
type DispatchConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
	SweepSchedule string `json:"sweep_schedule,omitempty"`
}

// SMSConfig controls email-to-SMS formatting and gateway resolution.
//
// GatewayOverhead is the empirically observed extra length the gateways
// consume on top of the documented subject wrapping. It is configurable
// because nobody has explained where those bytes go.
type SMSConfig struct {
	MaxLen          int `json:"max_len,omitempty"`          // default 160
	WrapOverhead    int `json:"wrap_overhead,omitempty"`    // default 3 (parens + space)
	GatewayOverhead int `json:"gateway_overhead,omitempty"` // default 7

	// Gateways adds or overrides carrier gateway domains.
	// Keys are carrier names, values are "@domain" suffixes.
	Gateways map[string][]string `json:"gateways,omitempty"`
}

// LinksConfig controls responder-facing URLs embedded in notifications.
type LinksConfig struct {
	// BaseURL is the externally reachable root of the responder UI,
	// e.g. "https://buoy.example.org". No trailing slash.
	BaseURL string `json:"base_url"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Links.BaseURL) == "" {
		return errors.New("links.base_url is required")
	}
	if strings.TrimSpace(c.SMTP.Host) == "" {
		return errors.New("smtp.host is required")
	}
	if strings.TrimSpace(c.SMTP.From) == "" {
		return errors.New("smtp.from is required")
	}
	if _, err := ParseDurationField("store.busy_timeout", c.Store.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("dispatch.send_timeout", c.Dispatch.SendTimeout); err != nil {
		return err
	}
	if c.Dispatch.Workers < 0 || c.Dispatch.QueueSize < 0 || c.Dispatch.RatePerSec < 0 {
		return errors.New("dispatch: workers/queue_size/rate_per_sec must be >= 0")
	}
	for carrier, domains := range c.SMS.Gateways {
		if strings.TrimSpace(carrier) == "" {
			return errors.New("sms.gateways: empty carrier name")
		}
		for _, d := range domains {
			if !strings.HasPrefix(d, "@") {
				return fmt.Errorf("sms.gateways[%s]: domain %q must start with '@'", carrier, d)
			}
		}
	}
	return nil
}

// BaseURL returns links.base_url without a trailing slash.
func (c *Config) BaseURL() string {
	return strings.TrimRight(strings.TrimSpace(c.Links.BaseURL), "/")
}
