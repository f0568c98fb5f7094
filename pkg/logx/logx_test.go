package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARN ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFormatAlertSortsFields(t *testing.T) {
	t.Parallel()
	line := `{"level":"warn","time":"x","message":"send failed","to":"639171234567@c.us","attempt":2}`
	got := formatAlert([]byte(line))
	want := "[WARN] send failed\n- attempt=2\n- to=639171234567@c.us"
	if got != want {
		t.Fatalf("formatAlert = %q, want %q", got, want)
	}
}

func TestFormatAlertRawFallback(t *testing.T) {
	t.Parallel()
	if got := formatAlert([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatAlert = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("abcdefghijklmnop", 12); got != "abcdefghi..." {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendText(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestAlertSinkForwardsWarnings(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level: "debug",
		Alert: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, sender)
	defer svc.Close()

	log.Info("not forwarded")
	log.Warn("reconnect exhausted", Int("attempts", 5))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := sender.snapshot(); len(msgs) > 0 {
			if len(msgs) != 1 {
				t.Fatalf("expected 1 alert, got %d: %v", len(msgs), msgs)
			}
			if !strings.HasPrefix(msgs[0], "[WARN] reconnect exhausted") {
				t.Fatalf("unexpected alert %q", msgs[0])
			}
			if !strings.Contains(msgs[0], "- attempts=5") {
				t.Fatalf("alert missing field: %q", msgs[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("alert was not delivered")
}

func TestAlertLimiterFractionalRate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rps       float64
		wantLimit rate.Limit
		wantBurst int
	}{
		{0.5, 0.5, 1},
		{0, 1, 1},
		{-3, 1, 1},
		{2.5, 2.5, 3},
	}
	for _, tt := range tests {
		lim := alertLimiter(tt.rps)
		if lim.Limit() != tt.wantLimit || lim.Burst() != tt.wantBurst {
			t.Fatalf("alertLimiter(%v) = %v/%d, want %v/%d", tt.rps, lim.Limit(), lim.Burst(), tt.wantLimit, tt.wantBurst)
		}
	}

	lim := alertLimiter(0.5)
	now := time.Now()
	if !lim.AllowN(now, 1) {
		t.Fatal("first alert should pass")
	}
	if lim.AllowN(now.Add(time.Second), 1) {
		t.Fatal("second alert within two seconds should be limited")
	}
	if !lim.AllowN(now.Add(2100*time.Millisecond), 1) {
		t.Fatal("alert after two seconds should pass")
	}
}

func TestMaskPhone(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"639171234567@c.us", "639******567@c.us"},
		{"09171234567", "091*****567"},
		{"12345", "***45"},
		{"7", "*"},
		{"", ""},
		{"@c.us", "@c.us"},
	}
	for _, tt := range tests {
		if got := MaskPhone(tt.in); got != tt.want {
			t.Fatalf("MaskPhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
