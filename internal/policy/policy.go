package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
)

// CheckCommandAllowed blocks commandPath unless the allowlist is empty or
// names it. Action kinds may be listed as written in requests
// (unstake_with_claim) or as commands (unstake-with-claim).
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		if normalize(allowed) == normPath {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, fmt.Sprintf("command %q blocked by --enable-commands policy", normPath))
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.ReplaceAll(strings.Join(parts, " "), "_", "-")
}
