package phone

import "testing"

func TestE164FormatsNationalNumber(t *testing.T) {
	n := NewNormalizer("nl")
	if got := n.E164("020 123 4567"); got != "+31201234567" {
		t.Fatalf("expected +31201234567, got %q", got)
	}
}

func TestE164KeepsInternationalNumber(t *testing.T) {
	n := NewNormalizer("US")
	if got := n.E164("+31 20 123 4567"); got != "+31201234567" {
		t.Fatalf("expected +31201234567, got %q", got)
	}
}

func TestE164LeavesNonNumbersUntouched(t *testing.T) {
	n := NewNormalizer("")
	for _, input := range []string{"client:agent-7", "sip:alice@example.com", ""} {
		if got := n.E164(input); got != input {
			t.Fatalf("expected %q unchanged, got %q", input, got)
		}
	}
}
