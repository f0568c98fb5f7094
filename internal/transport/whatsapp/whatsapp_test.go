package whatsapp

import (
	"os"
	"path/filepath"
	"testing"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

func TestParseAddress(t *testing.T) {
	t.Parallel()
	jid, err := ParseAddress("639171234567@c.us")
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if jid.User != "639171234567" || jid.Server != types.DefaultUserServer {
		t.Fatalf("jid = %s", jid)
	}
	if got := Address(jid); got != "639171234567@c.us" {
		t.Fatalf("Address = %q", got)
	}
	for _, bad := range []string{"", "639171234567", "12@c.us", "abc@c.us"} {
		if _, err := ParseAddress(bad); err == nil {
			t.Fatalf("ParseAddress(%q) expected error", bad)
		}
	}
}

func TestTranslate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   any
		want transport.EventKind
		ok   bool
	}{
		{"connected", &events.Connected{}, transport.EventReady, true},
		{"disconnected", &events.Disconnected{}, transport.EventDisconnected, true},
		{"stream replaced", &events.StreamReplaced{}, transport.EventDisconnected, true},
		{"keepalive", &events.KeepAliveTimeout{ErrorCount: 3}, transport.EventDisconnected, true},
		{"connect failure", &events.ConnectFailure{}, transport.EventDisconnected, true},
		{"logged out", &events.LoggedOut{}, transport.EventAuthFailure, true},
		{"outdated", &events.ClientOutdated{}, transport.EventAuthFailure, true},
		{"qr", &events.QR{Codes: []string{"code-1", "code-2"}}, transport.EventQR, true},
		{"qr empty", &events.QR{}, "", false},
		{"paired", &events.PairSuccess{}, transport.EventPaired, true},
		{"unrelated", &events.Receipt{}, "", false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ev, ok := translate(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ev.Kind != tt.want {
				t.Fatalf("kind = %q, want %q", ev.Kind, tt.want)
			}
		})
	}
}

func TestHandleEventTracksQR(t *testing.T) {
	t.Parallel()
	a := New(Config{}, logx.Nop())
	a.handleEvent(&events.QR{Codes: []string{"first"}})
	if a.QR() != "first" {
		t.Fatalf("QR = %q", a.QR())
	}
	a.handleEvent(&events.Connected{})
	if a.QR() != "" {
		t.Fatalf("QR not cleared after ready: %q", a.QR())
	}

	want := []transport.EventKind{transport.EventQR, transport.EventReady}
	for _, k := range want {
		select {
		case ev := <-a.Events():
			if ev.Kind != k {
				t.Fatalf("event = %q, want %q", ev.Kind, k)
			}
			if ev.At.IsZero() {
				t.Fatal("event timestamp not set")
			}
		default:
			t.Fatalf("missing %q event", k)
		}
	}
}

func TestEventsNeverBlock(t *testing.T) {
	t.Parallel()
	a := New(Config{}, logx.Nop())
	for i := 0; i < cap(a.events)+10; i++ {
		a.handleEvent(&events.Disconnected{})
	}
	if len(a.events) != cap(a.events) {
		t.Fatalf("buffered = %d", len(a.events))
	}
}

func TestSendWithoutClient(t *testing.T) {
	t.Parallel()
	a := New(Config{}, logx.Nop())
	if err := a.SendText(t.Context(), "639171234567@c.us", "hi"); err != transport.ErrNotConnected {
		t.Fatalf("err = %v", err)
	}
	if a.IsConnected() {
		t.Fatal("IsConnected = true without client")
	}
	if got := a.Self(); got != (transport.Account{}) {
		t.Fatalf("Self = %+v", got)
	}
	if err := a.Logout(t.Context()); err != transport.ErrNotConnected {
		t.Fatalf("Logout err = %v", err)
	}
	if len(a.events) != 0 {
		t.Fatalf("Logout without client emitted %d events", len(a.events))
	}
}

func TestEnsureDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	dsn := "file:" + filepath.Join(dir, "nested", "wa.db") + "?_foreign_keys=on"
	if err := ensureDir(dsn); err != nil {
		t.Fatalf("ensureDir: %v", err)
	}
	if st, err := os.Stat(filepath.Join(dir, "nested")); err != nil || !st.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
	if err := ensureDir("file::memory:?cache=shared"); err != nil {
		t.Fatalf("memory dsn: %v", err)
	}
}
