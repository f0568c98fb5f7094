package storage

import (
	"errors"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/robfig/cron/v3"

	"remindbot/internal/phone"
)

var (
	addressExpr    = regexp.MustCompile(`^\d{10,15}@c\.us$`)
	scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
)

func (r Recipient) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Phone,
			validation.Required,
			validation.Match(addressExpr).Error("must be in format 1234567890@c.us"),
		),
		validation.Field(&r.Name, validation.Length(0, 100)),
	)
}

func (t Template) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Text, validation.Required),
		validation.Field(&t.CronTime, validation.Required, validation.By(validSchedule)),
		validation.Field(&t.Title, validation.Length(0, 200)),
	)
}

// ValidateSchedule accepts exactly five fields: minute hour day month weekday.
func ValidateSchedule(expr string) error {
	if len(strings.Fields(expr)) != 5 {
		return errors.New(`invalid cron format, use "minute hour day month weekday"`)
	}
	if _, err := scheduleParser.Parse(expr); err != nil {
		return err
	}
	return nil
}

func validSchedule(v any) error {
	s, _ := v.(string)
	if s == "" {
		return nil
	}
	return ValidateSchedule(s)
}

// IsValidation reports whether err came from field validation.
func IsValidation(err error) bool {
	var ve validation.Errors
	if errors.As(err, &ve) {
		return true
	}
	var ie validation.Error
	return errors.As(err, &ie)
}

func normalizeRecipient(r *Recipient) {
	r.Phone = phone.Normalize(r.Phone)
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		r.Name = DefaultName
	}
}

func normalizeTemplate(t *Template) {
	t.Text = strings.TrimSpace(t.Text)
	t.CronTime = strings.Join(strings.Fields(t.CronTime), " ")
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		t.Title = DefaultTitle
	}
}
