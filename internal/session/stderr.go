package session

import "strings"

type stderrKind int

const (
	stderrOther stderrKind = iota
	stderrListening
	stderrPermission
	stderrAuthentication
)

var permissionPatterns = []string{
	"permission denied",
	"operation not permitted",
	"you don't have permission",
	"insufficient privilege",
}

var authenticationPatterns = []string{
	"incorrect password",
	"sorry, try again",
	"authentication failure",
	"password is required",
	"no password was provided",
}

// classifyStderr matches a diagnostic line against the fatal pattern
// families. Matching is case-insensitive.
func classifyStderr(line string) stderrKind {
	lower := strings.ToLower(line)
	for _, p := range authenticationPatterns {
		if strings.Contains(lower, p) {
			return stderrAuthentication
		}
	}
	for _, p := range permissionPatterns {
		if strings.Contains(lower, p) {
			return stderrPermission
		}
	}
	if strings.HasPrefix(lower, "listening on ") {
		return stderrListening
	}
	return stderrOther
}
