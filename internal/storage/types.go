package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

const (
	DefaultName  = "Unknown"
	DefaultTitle = "Reminder"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): DSN is a sqlite file URI
//   - "postgres": DSN is a libpq connection string or URL
type Config struct {
	Driver      string
	DSN         string
	LogLevel    string        // silent|error|warn|info; default warn
	SlowQuery   time.Duration // 0 disables slow query warnings
	BusyTimeout time.Duration // sqlite only; 0 means default
	// RetainDispatches caps stored dispatch records; 0 keeps everything.
	RetainDispatches int
}

type Recipient struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Phone     string    `gorm:"uniqueIndex;size:32;not null" json:"phone"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Active    bool      `gorm:"index;not null" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Recipient) TableName() string { return "recipients" }

func (r *Recipient) BeforeCreate(*gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return nil
}

// Template is a scheduled message definition.
type Template struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Text      string    `gorm:"type:text;not null" json:"message"`
	CronTime  string    `gorm:"size:64;not null" json:"cron_time"`
	Title     string    `gorm:"size:200;not null" json:"title"`
	Active    bool      `gorm:"index;not null" json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Template) TableName() string { return "templates" }

func (t *Template) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// DispatchRecord is the stored outcome of one broadcast.
type DispatchRecord struct {
	ID           string    `gorm:"primaryKey;size:36" json:"id"`
	TemplateID   string    `gorm:"index;size:36" json:"template_id,omitempty"`
	Title        string    `gorm:"size:200" json:"title"`
	Trigger      string    `gorm:"size:16" json:"trigger"`
	Success      int       `json:"success"`
	Failed       int       `json:"failed"`
	NotReady     bool      `json:"not_ready"`
	Error        string    `gorm:"type:text" json:"error,omitempty"`
	FailuresJSON string    `gorm:"type:text" json:"-"`
	StartedAt    time.Time `gorm:"index" json:"started_at"`
	DurationMS   int64     `json:"duration_ms"`

	Failures []Failure `gorm:"-" json:"failures,omitempty"`
}

func (DispatchRecord) TableName() string { return "dispatches" }

func (d *DispatchRecord) BeforeCreate(*gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// Failure is one recipient that could not be reached.
type Failure struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Error   string `json:"error"`
}

// RecipientPatch carries a partial update; nil fields are left unchanged.
type RecipientPatch struct {
	Phone  *string
	Name   *string
	Active *bool
}

type TemplatePatch struct {
	Text     *string
	CronTime *string
	Title    *string
	Active   *bool
}
