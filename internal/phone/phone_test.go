package phone

import "testing"

func TestCanonicalize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "leading zero", raw: "09171234567", want: "639171234567@c.us"},
		{name: "bare ten digits", raw: "9171234567", want: "639171234567@c.us"},
		{name: "already prefixed", raw: "639171234567", want: "639171234567@c.us"},
		{name: "stored with suffix", raw: "639171234567@c.us", want: "639171234567@c.us"},
		{name: "punctuation", raw: "+63 (917) 123-4567", want: "639171234567@c.us"},
		{name: "foreign number untouched", raw: "14155552671", want: "14155552671@c.us"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Canonicalize(tt.raw, "63"); got != tt.want {
				t.Fatalf("Canonicalize(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestCanonicalizeCustomCountry(t *testing.T) {
	t.Parallel()
	if got := Canonicalize("0612345678", "31"); got != "31612345678@c.us" {
		t.Fatalf("got %q", got)
	}
	if got := Canonicalize("9171234567", ""); got != "639171234567@c.us" {
		t.Fatalf("default country code not applied: %q", got)
	}
}

func TestNormalizeAndValid(t *testing.T) {
	t.Parallel()
	if got := Normalize(" 639171234567 "); got != "639171234567@c.us" {
		t.Fatalf("Normalize = %q", got)
	}
	if got := Normalize("639171234567@c.us"); got != "639171234567@c.us" {
		t.Fatalf("Normalize should not double the suffix: %q", got)
	}

	valid := []string{"639171234567@c.us", "1234567890@c.us", "123456789012345@c.us"}
	for _, a := range valid {
		if !Valid(a) {
			t.Fatalf("Valid(%q) = false", a)
		}
	}
	invalid := []string{"123456789@c.us", "1234567890123456@c.us", "639171234567", "63917x234567@c.us", "639171234567@s.whatsapp.net"}
	for _, a := range invalid {
		if Valid(a) {
			t.Fatalf("Valid(%q) = true", a)
		}
	}
	if User("639171234567@c.us") != "639171234567" {
		t.Fatal("User did not strip suffix")
	}
}
