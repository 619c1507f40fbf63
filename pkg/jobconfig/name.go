package jobconfig

import (
	"regexp"
	"strings"
)

var (
	disallowedNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
	repeatedUnderscores = regexp.MustCompile(`_{2,}`)

	// validName is what FixName produces for any input that has at least
	// one allowed character.
	validName = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9._-]*[A-Za-z0-9])?$`)
)

const nameEdgeChars = "_.-"

// FixName sanitizes a job name: runs of disallowed characters become a
// single underscore, punctuation is trimmed from both ends and the result is
// bounded to MaxNameLength. FixName(FixName(s)) == FixName(s).
func FixName(name string) string {
	s := disallowedNameChars.ReplaceAllString(strings.TrimSpace(name), "_")
	s = repeatedUnderscores.ReplaceAllString(s, "_")
	s = strings.Trim(s, nameEdgeChars)
	if len(s) > MaxNameLength {
		s = strings.TrimRight(s[:MaxNameLength], nameEdgeChars)
	}
	return s
}
