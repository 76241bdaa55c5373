package uuid

import "testing"

// TestNewGeneratesValidV4 tests that generated IDs pass validation and do
// not repeat.
func TestNewGeneratesValidV4(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("Generated invalid UUID %q", id)
		}
		if seen[id] {
			t.Fatalf("Duplicate UUID %q", id)
		}
		seen[id] = true
	}
}

// TestIsValid tests format validation.
func TestIsValid(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"c2a7e7d4-1111-4abc-8def-0123456789ab", true},
		{"C2A7E7D4-1111-4ABC-8DEF-0123456789AB", true},
		{"c2a7e7d4-1111-1abc-8def-0123456789ab", false}, // not version 4
		{"c2a7e7d4-1111-4abc-0def-0123456789ab", false}, // bad variant
		{"not-a-uuid", false},
		{"", false},
		{"c2a7e7d41111-4abc-8def-0123456789ab", false},
	}

	for _, tt := range tests {
		if got := IsValid(tt.input); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

// TestValidate tests the error-returning form.
func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate rejected a fresh UUID: %v", err)
	}
	if err := Validate("nope"); err == nil {
		t.Error("Expected error for invalid UUID")
	}
}
