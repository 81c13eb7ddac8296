package bridge

import "testing"

func TestNormalizeRecipient(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare local number", "11988887777", "5511988887777@c.us"},
		{"already has country code", "5511988887777", "5511988887777@c.us"},
		{"formatted with punctuation", "+55 (11) 98888-7777", "5511988887777@c.us"},
		{"already full address", "5511988887777@c.us", "5511988887777@c.us"},
		{"group jid passes through", "123456789-987654@g.us", "123456789-987654@g.us"},
		{"surrounding whitespace", "  11988887777  ", "5511988887777@c.us"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeRecipient(tt.in, "55")
			if err != nil {
				t.Fatalf("NormalizeRecipient(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeRecipient(%q): got %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeRecipientRejectsEmpty(t *testing.T) {
	for _, in := range []string{"", "   ", "abc", "@c.us"} {
		if _, err := NormalizeRecipient(in, "55"); err == nil {
			t.Errorf("NormalizeRecipient(%q): expected error", in)
		}
	}
}
