package urlcanon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeAddsDefaultScheme(t *testing.T) {
	c, err := Canonicalize("example.com/Path")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/Path", c.Normalized)
}

func TestCanonicalizeRejectsNonHTTPScheme(t *testing.T) {
	_, err := Canonicalize("ftp://example.com")
	require.Error(t, err)
}

func TestCanonicalizeRejectsJavascriptScheme(t *testing.T) {
	_, err := Canonicalize("javascript:alert(1)")
	require.Error(t, err)
}

func TestCanonicalizeLowercasesSchemeAndHost(t *testing.T) {
	c, err := Canonicalize("HTTPS://Example.COM/path")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/path", c.Normalized)
}

func TestCanonicalizeRemovesFragment(t *testing.T) {
	c, err := Canonicalize("https://example.com/path#section")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/path", c.Normalized)
}

func TestCanonicalizeStripsTrackingParams(t *testing.T) {
	c, err := Canonicalize("https://example.com/?utm_source=x&gclid=y&keep=1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/?keep=1", c.Normalized)
}

func TestCanonicalizeSortsQueryParams(t *testing.T) {
	c, err := Canonicalize("https://example.com/?b=2&a=1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/?a=1&b=2", c.Normalized)
}

func TestCanonicalizeCollapsesTrailingSlash(t *testing.T) {
	c, err := Canonicalize("https://example.com/path/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/path", c.Normalized)
}

func TestCanonicalizePreservesRootSlash(t *testing.T) {
	c, err := Canonicalize("https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", c.Normalized)
}

func TestCanonicalizeRejectsLoopback(t *testing.T) {
	_, err := Canonicalize("http://127.0.0.1/admin")
	require.Error(t, err)
}

func TestCanonicalizeRejectsLocalhostLiteral(t *testing.T) {
	_, err := Canonicalize("http://localhost:8080/")
	require.Error(t, err)
}

func TestCanonicalizeRejectsPrivateRange(t *testing.T) {
	_, err := Canonicalize("http://192.168.1.5/")
	require.Error(t, err)
}

func TestCanonicalizeRejectsHexLoopbackLiteral(t *testing.T) {
	_, err := Canonicalize("http://0x7f000001/admin")
	require.Error(t, err)
}

func TestCanonicalizeRejectsOctalLoopbackLiteral(t *testing.T) {
	_, err := Canonicalize("http://017700000001/admin")
	require.Error(t, err)
}

func TestCanonicalizeRejectsDecimalLoopbackLiteral(t *testing.T) {
	_, err := Canonicalize("http://2130706433/admin")
	require.Error(t, err)
}

func TestCanonicalizeRejectsMixedHexDottedPrivateLiteral(t *testing.T) {
	_, err := Canonicalize("http://0xc0.0xa8.0x01.0x05/")
	require.Error(t, err)
}

func TestCanonicalizeRejectsOctalDottedPrivateLiteral(t *testing.T) {
	_, err := Canonicalize("http://0300.0250.01.05/")
	require.Error(t, err)
}

func TestCanonicalizeAcceptsPublicDecimalHostname(t *testing.T) {
	c, err := Canonicalize("https://example.com/8675309")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/8675309", c.Normalized)
}

func TestCanonicalizeRejectsBadHostChars(t *testing.T) {
	_, err := Canonicalize("http://exa<mple.com/")
	require.Error(t, err)
}

func TestCanonicalizeRejectsOverLengthURL(t *testing.T) {
	long := "https://example.com/" + string(make([]byte, 2100))
	_, err := Canonicalize(long)
	require.Error(t, err)
}

func TestDedupeHashIsStableSHA256(t *testing.T) {
	c1, err := Canonicalize("https://example.com/a?z=1&a=2")
	require.NoError(t, err)
	c2, err := Canonicalize("https://example.com/a?a=2&z=1")
	require.NoError(t, err)
	assert.Equal(t, c1.DedupeHash, c2.DedupeHash)
	assert.Len(t, c1.DedupeHash, 64)
}

func TestYouTubeWatchURLDetected(t *testing.T) {
	c, err := Canonicalize("https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=10s")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, c.Kind)
	assert.Equal(t, "dQw4w9WgXcQ", c.VideoID)
}

func TestYouTuBeShortURLDetected(t *testing.T) {
	c, err := Canonicalize("https://youtu.be/dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, c.Kind)
	assert.Equal(t, "dQw4w9WgXcQ", c.VideoID)
}

func TestYouTubeShortsURLDetected(t *testing.T) {
	c, err := Canonicalize("https://m.youtube.com/shorts/dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, c.Kind)
	assert.Equal(t, "dQw4w9WgXcQ", c.VideoID)
}

func TestYouTubeNoCookieEmbedDetected(t *testing.T) {
	c, err := Canonicalize("https://www.youtube-nocookie.com/embed/dQw4w9WgXcQ")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, c.Kind)
}

func TestNonYouTubeURLIsWebKind(t *testing.T) {
	c, err := Canonicalize("https://example.com/article")
	require.NoError(t, err)
	assert.Equal(t, KindWeb, c.Kind)
}

func TestExtractFromTextFindsMultipleURLs(t *testing.T) {
	text := "check out https://example.com/a and also https://youtu.be/dQw4w9WgXcQ!"
	res := ExtractFromText(text, 50_000)
	assert.False(t, res.Truncated)
	assert.Len(t, res.Found, 2)
}

func TestExtractFromTextReportsTruncation(t *testing.T) {
	text := "https://example.com/a " + string(make([]byte, 100))
	res := ExtractFromText(text, 10)
	assert.True(t, res.Truncated)
}

func TestExtractFromTextCollectsRejections(t *testing.T) {
	text := "blocked host http://127.0.0.1/x here"
	res := ExtractFromText(text, 50_000)
	assert.Empty(t, res.Found)
	require.Len(t, res.Rejected, 1)
}
