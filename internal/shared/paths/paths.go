// Package paths validates the virtual file paths that arrive in build
// and deploy requests. File sets come from an untrusted generator, so
// every path is checked before it names an entry point, a tar header, or
// a resolution candidate.
package paths

import (
	"fmt"
	"path"
	"strings"
)

// MaxPathLength bounds one virtual path.
const MaxPathLength = 512

// Validate rejects paths that could escape the virtual file set or the
// staging directory: absolute paths, traversal, backslashes, and control
// characters.
func Validate(p string) error {
	if p == "" {
		return fmt.Errorf("path is empty")
	}
	if len(p) > MaxPathLength {
		return fmt.Errorf("path exceeds %d characters", MaxPathLength)
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("path %q is absolute", p)
	}
	if strings.Contains(p, "\\") {
		return fmt.Errorf("path %q contains a backslash", p)
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("path %q contains a null byte", p)
	}
	cleaned := path.Clean(p)
	if cleaned != p {
		return fmt.Errorf("path %q is not in canonical form", p)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("path %q escapes the file set", p)
	}
	return nil
}

// ValidateSet validates every path in a file set.
func ValidateSet(files map[string]string) error {
	for p := range files {
		if err := Validate(p); err != nil {
			return err
		}
	}
	return nil
}

// InSrc reports whether the path lives under the src/ directory.
func InSrc(p string) bool {
	return strings.HasPrefix(p, "src/")
}
