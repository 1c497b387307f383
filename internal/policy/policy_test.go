package policy

import (
	"testing"

	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
)

func TestCheckCommandAllowed(t *testing.T) {
	if err := CheckCommandAllowed(nil, "stake"); err != nil {
		t.Fatalf("unexpected error with empty allowlist: %v", err)
	}
	if err := CheckCommandAllowed([]string{"tickets  list"}, "tickets list"); err != nil {
		t.Fatalf("expected command to be allowed: %v", err)
	}
	if err := CheckCommandAllowed([]string{"snapshot"}, "stake"); err == nil {
		t.Fatal("expected command to be blocked")
	}
}

func TestCheckCommandAllowedAcceptsKindSpelling(t *testing.T) {
	if err := CheckCommandAllowed([]string{"unstake_with_claim"}, "unstake-with-claim"); err != nil {
		t.Fatalf("expected kind spelling to match command: %v", err)
	}
	if err := CheckCommandAllowed([]string{"Unstake-With-Claim"}, "unstake-with-claim"); err != nil {
		t.Fatalf("expected case-insensitive match: %v", err)
	}
	err := CheckCommandAllowed([]string{"unstake"}, "unstake-with-claim")
	if err == nil {
		t.Fatal("expected prefix not to match")
	}
	cErr, ok := clierr.As(err)
	if !ok || cErr.Code != clierr.CodeBlocked {
		t.Fatalf("expected blocked error, got %v", err)
	}
}
