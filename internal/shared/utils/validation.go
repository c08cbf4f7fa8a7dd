package utils

import (
	"fmt"
	"regexp"
	"strings"
)

// Payload size limits in bytes.
const (
	// MaxFileSetSize bounds the combined size of one virtual file set.
	MaxFileSetSize = 4 * 1024 * 1024
	// MaxFileSize bounds a single virtual file.
	MaxFileSize = 1 * 1024 * 1024
	// MaxFileCount bounds the number of files in one set.
	MaxFileCount = 256
)

// MaxAppIDLength bounds an app identifier.
const MaxAppIDLength = 128

// appIDPattern allows alphanumerics, hyphens, and underscores; the ULID
// prefix form app_XXXX fits it.
var appIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateAppID rejects identifiers unusable as map keys, labels, or
// path segments.
func ValidateAppID(appID string) error {
	if appID == "" {
		return fmt.Errorf("app ID is required")
	}
	if len(appID) > MaxAppIDLength {
		return fmt.Errorf("app ID exceeds %d characters", MaxAppIDLength)
	}
	if strings.ContainsRune(appID, 0) {
		return fmt.Errorf("app ID contains invalid characters")
	}
	if !appIDPattern.MatchString(appID) {
		return fmt.Errorf("app ID may only contain alphanumerics, hyphens, and underscores")
	}
	return nil
}

// ValidateFileSet enforces count and size ceilings on one virtual file
// set before it reaches the bundler or the staging archive.
func ValidateFileSet(files map[string]string) error {
	if len(files) == 0 {
		return fmt.Errorf("file set is empty")
	}
	if len(files) > MaxFileCount {
		return fmt.Errorf("file set has %d files, maximum is %d", len(files), MaxFileCount)
	}

	total := 0
	for p, content := range files {
		if len(content) > MaxFileSize {
			return fmt.Errorf("file %q is %d bytes, maximum is %d", p, len(content), MaxFileSize)
		}
		total += len(content)
	}
	if total > MaxFileSetSize {
		return fmt.Errorf("file set is %d bytes, maximum is %d", total, MaxFileSetSize)
	}
	return nil
}
