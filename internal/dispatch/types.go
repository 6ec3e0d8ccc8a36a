package dispatch

import (
	"sync"
	"time"

	"github.com/meitar/better-angels/internal/transport"
)

// Config controls the fan-out worker pool.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int

	// SendTimeout bounds one transport call; a stuck send must not
	// block the remaining fan-out.
	SendTimeout time.Duration

	// SweepSchedule is a cron spec (robfig/cron, e.g. "@every 10m")
	// for the invitation catch-up sweep. Empty disables it.
	SweepSchedule string

	// BaseURL is the responder UI root for links, no trailing slash.
	BaseURL string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// Channel identifies the delivery channel of one send.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// SendFailure describes one failed send within a fan-out.
type SendFailure struct {
	TeamID  string
	UserID  string
	To      string
	Channel Channel
	Err     string
}

// Summary reports the outcome of one fan-out. The alerter-facing
// caller decides what to do with partial failures; the engine never
// hides them.
type Summary struct {
	Attempted int
	Sent      int
	Failed    int
	Failures  []SendFailure
}

func (s *Summary) ok() bool { return s.Failed == 0 }

// summarizer collects per-send outcomes from concurrent workers.
type summarizer struct {
	mu sync.Mutex
	s  Summary
}

func (c *summarizer) record(f SendFailure, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.Attempted++
	if err == nil {
		c.s.Sent++
		return
	}
	c.s.Failed++
	f.Err = err.Error()
	c.s.Failures = append(c.s.Failures, f)
}

func (c *summarizer) summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := c.s
	cp.Failures = append([]SendFailure(nil), c.s.Failures...)
	return cp
}

// sendJob is one unit of work for the pool.
type sendJob struct {
	msg     transport.Message
	teamID  string
	userID  string
	channel Channel

	sum *summarizer
	wg  *sync.WaitGroup

	// after runs on the worker once the send attempt has returned,
	// success or failure. Invitation jobs delete their marker here so
	// deletion strictly follows the attempt.
	after func(err error)
}
