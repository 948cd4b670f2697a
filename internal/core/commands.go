package core

import (
	"regexp"
	"strings"
)

// Shell verbs a generated command is expected to start with. Anything else
// is treated as LLM prose that leaked into the command list.
var commandVerbs = regexp.MustCompile(`^(bun|npm|npx|pnpm|yarn|node|rm|mv|cp|mkdir|touch|git|tsc|vite|wrangler)\b`)

// LooksLikeCommand reports whether s plausibly is a shell command rather
// than explanatory text.
func LooksLikeCommand(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.Contains(s, " undefined") {
		return false
	}
	if strings.ContainsAny(s, "\n") {
		return false
	}
	return commandVerbs.MatchString(s)
}

// FilterCommands keeps entries that look like commands, deduplicated and
// order-preserving. This is the filter applied before commands enter the
// agent's command history.
func FilterCommands(cmds []string) []string {
	seen := make(map[string]bool, len(cmds))
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		c = strings.TrimSpace(c)
		if !LooksLikeCommand(c) || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// installCommandRe matches commands that mutate the dependency set. After
// any of these run, the agent re-reads package.json from the sandbox.
var installCommandRe = regexp.MustCompile(`install| add |remove|uninstall`)

// IsDependencyMutating reports whether cmd may change the package manifest.
func IsDependencyMutating(cmd string) bool {
	return installCommandRe.MatchString(cmd)
}

// IsInstallCommand reports whether cmd is a package installation. Install
// failures get AI-assisted retries; other failures do not.
func IsInstallCommand(cmd string) bool {
	c := strings.TrimSpace(cmd)
	return strings.Contains(c, " install") || strings.Contains(c, " add ")
}
