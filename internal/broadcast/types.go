package broadcast

import (
	"context"
	"errors"
	"time"

	"remindbot/internal/storage"
)

var (
	ErrNotReady      = errors.New("transport not ready")
	ErrNotRegistered = errors.New("number is not registered on the chat network")
	ErrInvalidPhone  = errors.New("invalid phone number")
)

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

type Config struct {
	BatchSize   int
	BatchDelay  time.Duration
	SendTimeout time.Duration
	MaxRetries  int
	RetryBase   time.Duration
	CountryCode string

	// RatePerSec throttles individual send attempts; 0 disables it.
	RatePerSec int
	Breaker    BreakerConfig
}

// BreakerConfig guards the transport with a circuit breaker. Off by default.
type BreakerConfig struct {
	Enabled             bool
	ConsecutiveFailures int
	OpenTimeout         time.Duration
}

// Message is what a firing or a manual broadcast sends.
type Message struct {
	TemplateID string
	Title      string
	Text       string
	Trigger    string
}

type Failure = storage.Failure

// Result aggregates a broadcast. Failures are ordered like the recipients.
type Result struct {
	Success  int       `json:"success"`
	Failed   int       `json:"failed"`
	NotReady bool      `json:"not_ready,omitempty"`
	Failures []Failure `json:"failures,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Total is the number of recipients that were attempted.
func (r Result) Total() int { return r.Success + r.Failed }

type ReadyChecker interface {
	IsReady() bool
}

type RecipientSource interface {
	ActiveRecipients(ctx context.Context) ([]storage.Recipient, error)
}

// Recorder persists broadcast outcomes.
type Recorder interface {
	AppendDispatch(ctx context.Context, d storage.DispatchRecord) error
}

// Progress is a live view of a running broadcast.
type Progress struct {
	ID         string    `json:"id"`
	TemplateID string    `json:"template_id,omitempty"`
	Title      string    `json:"title"`
	Total      int       `json:"total"`
	Done       int       `json:"done"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
}
