package utils

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileSetFingerprintDeterministic(t *testing.T) {
	a := map[string]string{"App.tsx": "x", "src/index.ts": "y"}
	b := map[string]string{"src/index.ts": "y", "App.tsx": "x"}

	assert.Equal(t, FileSetFingerprint(a), FileSetFingerprint(b))
}

func TestFileSetFingerprintDistinguishesContent(t *testing.T) {
	a := map[string]string{"App.tsx": "x"}
	b := map[string]string{"App.tsx": "y"}
	c := map[string]string{"App.tsxx": ""}

	assert.NotEqual(t, FileSetFingerprint(a), FileSetFingerprint(b))
	assert.NotEqual(t, FileSetFingerprint(a), FileSetFingerprint(c))
}

func TestShortHash(t *testing.T) {
	full := HashString("anything")
	assert.Len(t, ShortHash(full), 12)
	assert.Equal(t, "abc", ShortHash("abc"))
}

func TestValidateAppID(t *testing.T) {
	assert.NoError(t, ValidateAppID("app_01J8ME0000000000000000000"))
	assert.NoError(t, ValidateAppID("my-app-1"))
	assert.Error(t, ValidateAppID(""))
	assert.Error(t, ValidateAppID("app/../etc"))
	assert.Error(t, ValidateAppID("app id"))
	assert.Error(t, ValidateAppID(strings.Repeat("a", MaxAppIDLength+1)))
}

func TestValidateFileSet(t *testing.T) {
	assert.NoError(t, ValidateFileSet(map[string]string{"App.tsx": "export default 1"}))
	assert.Error(t, ValidateFileSet(map[string]string{}))
	assert.Error(t, ValidateFileSet(map[string]string{
		"big.txt": strings.Repeat("a", MaxFileSize+1),
	}))

	many := make(map[string]string, MaxFileCount+1)
	for i := 0; i <= MaxFileCount; i++ {
		many[fmt.Sprintf("file_%d.ts", i)] = ""
	}
	assert.Error(t, ValidateFileSet(many))
}
