package account

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/tgcrm/internal/config"
)

const DefaultAccountName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name is usable as a directory and socket name.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid account name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve determines the active account name using precedence:
// 1. flagOverride (--account flag)
// 2. config.toml default_account
// 3. "main"
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if g, err := config.LoadGlobal(ConfigPath()); err == nil && g.DefaultAccount != "" {
		return g.DefaultAccount
	}
	return DefaultAccountName
}

// ResolveValid resolves and validates the account name in one step.
func ResolveValid(flagOverride string) (string, error) {
	name := Resolve(flagOverride)
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}
