package domain

import "regexp"

var (
	// One path component of a registry repository
	repoComponentPattern = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*$`)
	tagPattern           = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,127}$`)
	buildIDPattern       = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)
)

// ValidRepoComponent reports whether s can be used as the user or name part
// of a repository. Valid components never contain a path separator or "..".
func ValidRepoComponent(s string) bool {
	return len(s) <= 128 && repoComponentPattern.MatchString(s)
}

// ValidTag reports whether s is a valid image tag
func ValidTag(s string) bool {
	return tagPattern.MatchString(s)
}

// ValidBuildID reports whether s is safe to use as a file or directory name
func ValidBuildID(s string) bool {
	return buildIDPattern.MatchString(s)
}
