package whatsapp

import "testing"

func TestIsValidPhoneNumber(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"5551234567", true},
		{"5215512345678", true},
		{"+1 (555) 123-4567", true},
		{"555123456", false},
		{"1234567890123456", false},
		{"", false},
		{"12ab", false},
	}
	for _, tt := range tests {
		if got := IsValidPhoneNumber(tt.in); got != tt.want {
			t.Errorf("IsValidPhoneNumber(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
