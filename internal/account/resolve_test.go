package account

import (
	"testing"

	"github.com/matheus3301/tgcrm/internal/config"
)

func TestResolvePrecedence(t *testing.T) {
	t.Setenv("TGCRM_HOME", t.TempDir())

	if got := Resolve(""); got != DefaultAccountName {
		t.Errorf("no config: Resolve() = %q, want %q", got, DefaultAccountName)
	}

	if err := config.Write(ConfigPath(), &config.Global{DefaultAccount: "sales"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "sales" {
		t.Errorf("with config: Resolve() = %q, want sales", got)
	}
	if got := Resolve("support"); got != "support" {
		t.Errorf("with flag: Resolve() = %q, want support", got)
	}
}

func TestResolveValidRejectsBadFlag(t *testing.T) {
	t.Setenv("TGCRM_HOME", t.TempDir())

	if _, err := ResolveValid("Bad Name"); err == nil {
		t.Error("ResolveValid(Bad Name) should fail")
	}
	got, err := ResolveValid("")
	if err != nil || got != DefaultAccountName {
		t.Errorf("ResolveValid() = %q, %v", got, err)
	}
}
