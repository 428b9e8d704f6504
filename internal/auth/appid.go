package auth

import (
	"fmt"
	"regexp"
)

// DefaultAppIDPattern is the structural pattern every application id must
// match regardless of the configured validator.
const DefaultAppIDPattern = `^[a-zA-Z0-9_]+$`

var structuralAppID = regexp.MustCompile(DefaultAppIDPattern)

// StructuralAppID reports whether s is a well-formed application id.
func StructuralAppID(s string) bool {
	return structuralAppID.MatchString(s)
}

// AppIDValidator compiles the configured pattern into the registry's
// application-id predicate. An empty pattern accepts every structurally
// valid id.
func AppIDValidator(pattern string) (func(string) bool, error) {
	if pattern == "" {
		return StructuralAppID, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile app id pattern: %w", err)
	}
	return func(s string) bool {
		return StructuralAppID(s) && re.MatchString(s)
	}, nil
}
