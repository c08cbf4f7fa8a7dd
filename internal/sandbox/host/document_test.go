package host

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDocumentDeterministic(t *testing.T) {
	data := json.RawMessage(`[{"id":"1","title":"x"}]`)

	first, err := BuildDocument("app_1", "export default 1", data, []string{"react", "react-dom"})
	require.NoError(t, err)
	second, err := BuildDocument("app_1", "export default 1", data, []string{"react", "react-dom"})
	require.NoError(t, err)

	assert.Equal(t, first, second, "identical inputs must produce byte-identical documents")
}

func TestBuildDocumentEmbedsBundleAsBase64(t *testing.T) {
	bundle := `export default () => "</script><script>alert(1)</script>"`

	doc, err := BuildDocument("app_1", bundle, nil, nil)
	require.NoError(t, err)

	assert.NotContains(t, doc, "alert(1)", "raw bundle text must not appear in the document")
	assert.Contains(t, doc, base64.StdEncoding.EncodeToString([]byte(bundle)))
}

func TestBuildDocumentImportMapPinned(t *testing.T) {
	doc, err := BuildDocument("app_1", "export default 1", nil, []string{"react"})
	require.NoError(t, err)

	assert.Contains(t, doc, `"importmap"`)
	assert.Contains(t, doc, "https://esm.sh/react@18.3.1")
}

func TestBuildDocumentUnpinnedExternalFails(t *testing.T) {
	_, err := BuildDocument("app_1", "export default 1", nil, []string{"left-pad"})
	require.Error(t, err)
}

func TestBuildDocumentEmptyBundleRejected(t *testing.T) {
	_, err := BuildDocument("app_1", "   ", nil, nil)
	assert.True(t, errors.Is(err, ErrEmptyBundle))
}

func TestBuildDocumentProtocolClient(t *testing.T) {
	doc, err := BuildDocument("app_42", "export default 1", json.RawMessage(`[]`), nil)
	require.NoError(t, err)

	// The protocol client surface the generated code relies on.
	for _, needle := range []string{
		"window.appcanvas",
		"getData",
		"updateData",
		`"api-request"`,
		`"data-update"`,
		`"ready"`,
		"unhandledrejection",
		"fallback",
	} {
		assert.Contains(t, doc, needle)
	}
	assert.Contains(t, doc, `"app_42"`)
}

func TestBuildDocumentClientRequestTimeout(t *testing.T) {
	doc, err := BuildDocument("app_1", "export default 1", nil, nil)
	require.NoError(t, err)

	// Every pending fetch carries a timer: a lost response rejects the
	// promise instead of dangling, and a late response finds no entry.
	assert.Contains(t, doc, "REQUEST_TIMEOUT_MS = 30000")
	assert.Contains(t, doc, "request timed out")
	assert.Contains(t, doc, "clearTimeout(entry.timer)")
}

func TestBuildDocumentClientAnswersHostRequests(t *testing.T) {
	doc, err := BuildDocument("app_1", "export default 1", nil, nil)
	require.NoError(t, err)

	// Host-initiated requests get the client's working data back.
	idx := strings.Index(doc, `msg.type === "api-request"`)
	require.GreaterOrEqual(t, idx, 0)
	assert.Contains(t, doc[idx:], "success: true, data: currentData")
}

func TestBuildDocumentNoTimestamps(t *testing.T) {
	doc, err := BuildDocument("app_1", "export default 1", nil, nil)
	require.NoError(t, err)

	// Date.now() belongs to the runtime client; nothing should be stamped
	// into the document text at build time.
	assert.False(t, strings.Contains(doc, "generated at"), "document must not embed build-time stamps")
}
