package paths

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"simple file", "App.tsx", false},
		{"nested file", "src/components/Button.tsx", false},
		{"dotfile", ".env", false},
		{"empty", "", true},
		{"absolute", "/etc/passwd", true},
		{"traversal", "../outside.js", true},
		{"embedded traversal", "src/../../outside.js", true},
		{"backslash", `src\App.tsx`, true},
		{"null byte", "App\x00.tsx", true},
		{"non-canonical", "src//App.tsx", true},
		{"trailing slash", "src/", true},
		{"too long", strings.Repeat("a", MaxPathLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSet(t *testing.T) {
	assert.NoError(t, ValidateSet(map[string]string{
		"App.tsx":       "",
		"src/index.tsx": "",
	}))
	assert.Error(t, ValidateSet(map[string]string{
		"App.tsx":    "",
		"../evil.js": "",
	}))
}

func TestInSrc(t *testing.T) {
	assert.True(t, InSrc("src/App.tsx"))
	assert.False(t, InSrc("App.tsx"))
	assert.False(t, InSrc("source/App.tsx"))
}
